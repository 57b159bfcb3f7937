package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bookstr/internal/config"
)

// Flag variables.
var (
	relaysPath  string
	relayFlags  []string
	logLevel    string
	secretFlag  string
	bunkerFlag  string
	redisFlag   string
	pubkeyFlag  string
	eoseTimeout time.Duration
	jsonOutput  bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bookstr",
	Short: "Relay pool and activity aggregation for a Nostr reading community",
	Long: "bookstr keeps connections to a set of Nostr relays, merges what they " +
		"return into one deduplicated activity timeline, publishes reactions " +
		"optimistically and tracks unread notifications.",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		InitLogger(logLevel)
	},
}

// init is the initialization function for Cobra which defines flags.
func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&relaysPath, "config", envOr("RELAYS_CONFIG", config.DefaultRelaysPath),
		"Relay list JSON file.")
	flags.StringSliceVarP(&relayFlags, "relay", "r", nil,
		"Relay URL to use instead of the configured list. Repeatable.")
	flags.StringVarP(&logLevel, "log-level", "v", envOr("LOG_LEVEL", "info"),
		"Log level: debug, info, warn or error.")
	flags.StringVar(&secretFlag, "secret", "",
		"Secret key (hex or nsec) to sign with. Defaults to NOSTR_SECRET_KEY.")
	flags.StringVar(&bunkerFlag, "bunker", "",
		"bunker:// URL of a NIP-46 remote signer. Defaults to BUNKER_URL.")
	flags.StringVar(&redisFlag, "redis", "",
		"Redis URL for notification read state. Defaults to REDIS_URL.")
	flags.StringVar(&pubkeyFlag, "pubkey", "",
		"Act as this pubkey (hex or npub) for read-only commands when no signer is set.")
	flags.DurationVar(&eoseTimeout, "eose-timeout", 0,
		"How long to wait for slow relays before an initial load counts as complete.")
	flags.BoolVar(&jsonOutput, "json", false,
		"Print JSON lines instead of text.")

	rootCmd.AddCommand(timelineCmd, watchCmd, reactCmd, notificationsCmd, serveCmd)
}

// coreConfig is the environment configuration with flags applied on top
func coreConfig() config.Core {
	core := config.CoreFromEnv()
	if secretFlag != "" {
		core.SecretKey = secretFlag
	}
	if bunkerFlag != "" {
		core.BunkerURL = bunkerFlag
	}
	if redisFlag != "" {
		core.RedisURL = redisFlag
	}
	if eoseTimeout > 0 {
		core.EOSETimeout = eoseTimeout
	}
	return core
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
