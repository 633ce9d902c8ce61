// esr-link 是会话管理与请求诊断命令行工具：列出/删除持久化会话，
// 解码签名请求 URI。签名与投递由嵌入本库的应用完成，不在此工具范围。
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/esr-link/link/internal/sessionstore"
	"github.com/esr-link/link/pkg/chain"
	"github.com/esr-link/link/pkg/esr"
	"github.com/esr-link/link/pkg/storage/leveldbstore"
)

const usage = `usage: esr-link [-config file] [-storage dir] <command> [args]

commands:
  sessions <identifier>          list persisted sessions, most recent first
  remove <identifier> <auth>     remove the session for actor@permission
  clear <identifier>             remove all sessions for the identifier
  decode <uri>                   decode a signing request uri to json
`

type fileConfig struct {
	StoragePath string `yaml:"storage_path"`
	LogLevel    string `yaml:"log_level"`
}

func main() {
	configPath := flag.String("config", envOrDefault("ESR_LINK_CONFIG", ""), "path to yaml config file")
	storagePath := flag.String("storage", "", "leveldb session storage directory (overrides config)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	cfg := fileConfig{StoragePath: defaultStoragePath()}
	if *configPath != "" {
		raw, err := os.ReadFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
			os.Exit(1)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "parse config: %v\n", err)
			os.Exit(1)
		}
	}
	if *storagePath != "" {
		cfg.StoragePath = *storagePath
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(logger, cfg, args); err != nil {
		logger.Error("command failed", slog.String("command", args[0]), slog.Any("err", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger, cfg fileConfig, args []string) error {
	switch args[0] {
	case "decode":
		if len(args) != 2 {
			return fmt.Errorf("decode expects exactly one uri")
		}
		return decodeURI(args[1])
	case "sessions", "remove", "clear":
		if len(args) < 2 {
			return fmt.Errorf("%s expects an identifier", args[0])
		}
		kv, err := leveldbstore.Open(cfg.StoragePath)
		if err != nil {
			return err
		}
		defer kv.Close()
		sessions := sessionstore.New(kv, sessionstore.WithLogger(logger))
		switch args[0] {
		case "sessions":
			return listSessions(sessions, args[1])
		case "remove":
			if len(args) != 3 {
				return fmt.Errorf("remove expects <identifier> <actor@permission>")
			}
			auth, err := chain.ParsePermissionLevel(args[2])
			if err != nil {
				return err
			}
			return sessions.Remove(args[1], auth)
		default:
			return sessions.Clear(args[1])
		}
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func listSessions(sessions *sessionstore.Store, identifier string) error {
	auths, err := sessions.List(identifier)
	if err != nil {
		return err
	}
	for _, auth := range auths {
		rec, err := sessions.Get(identifier, auth)
		if err != nil {
			return err
		}
		if rec == nil {
			// 索引项对应的记录已被并发删除
			continue
		}
		fmt.Printf("%s\tcreated=%s\tlast_used=%s\n",
			auth.String(),
			rec.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			rec.LastUsed.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}

func decodeURI(uri string) error {
	codec := esr.NewJSONCodec()
	req, err := codec.DecodeRequest(strings.TrimSpace(uri))
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".esr-link"
	}
	return filepath.Join(home, ".esr-link", "sessions")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
