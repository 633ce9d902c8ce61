// Package sigverify 提供 secp256k1 可恢复签名的恢复与校验。
// 签名采用 65 字节紧凑格式：header(1) + r(32) + s(32)，
// header = 27 + recID，压缩公钥额外 +4。
package sigverify

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// ErrSignatureMismatch 表示签名恢复出的公钥与期望不符。
var ErrSignatureMismatch = errors.New("signature does not match public key")

// RecoverDigest 从紧凑签名恢复 33 字节压缩公钥。
func RecoverDigest(sig []byte, digest [32]byte) ([]byte, error) {
	if len(sig) != 65 {
		return nil, fmt.Errorf("invalid compact signature length %d, want 65", len(sig))
	}
	pub, _, err := ecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return nil, fmt.Errorf("recover public key: %w", err)
	}
	return pub.SerializeCompressed(), nil
}

// VerifyDigest 校验签名是否由 pubkey（压缩形式）对 digest 所签。
func VerifyDigest(pubkey []byte, digest [32]byte, sig []byte) error {
	recovered, err := RecoverDigest(sig, digest)
	if err != nil {
		return err
	}
	if !bytes.Equal(recovered, pubkey) {
		return ErrSignatureMismatch
	}
	return nil
}

// SignDigest 以可恢复紧凑格式签名摘要。供内嵌钱包与测试使用，
// 远程钱包场景下私钥从不进入本库。
func SignDigest(priv *btcec.PrivateKey, digest [32]byte) []byte {
	return ecdsa.SignCompact(priv, digest[:], true)
}
