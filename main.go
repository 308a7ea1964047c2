package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livetrack/cmd/serve"
	"livetrack/cmd/spectate"
	trackmode "livetrack/cmd/track"
	"livetrack/internal/cli"
)

func main() {
	if len(os.Args) == 2 && (os.Args[1] == "--help" || os.Args[1] == "-h") {
		cli.PrintUsage(os.Stdout)
		os.Exit(0)
	}

	mode, modeArgs, err := cli.ParseMode(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cli.PrintUsage(os.Stderr)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch mode {

	case cli.ModeServe:
		fs := flag.NewFlagSet(cli.ModeServe, flag.ContinueOnError)
		cfgPath := fs.String("config", "config/config.yaml", "Path to YAML config")
		maxConc := fs.Int("max-concurrent", 200, "Maximum number of concurrent HTTP requests to process")
		cli.AttachUsage(fs, cli.ModeServe)
		parseFlags(fs, modeArgs)
		if *maxConc < 1 {
			fmt.Fprintln(os.Stderr, "Error: --max-concurrent must be >= 1")
			fs.Usage()
			os.Exit(2)
		}
		if err := serve.Run(ctx, *cfgPath, *maxConc); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}

	case cli.ModeTrack:
		fs := flag.NewFlagSet(cli.ModeTrack, flag.ContinueOnError)
		cfgPath := fs.String("config", "config/config.yaml", "Path to YAML config")
		entityID := fs.Int64("entity", 0, "ID of the shipment to track")
		userID := fs.Int64("user", 0, "Authenticated user ID (token subject)")
		replay := fs.String("replay", "", "JSON recording of positions to replay as the device location")
		cli.AttachUsage(fs, cli.ModeTrack)
		parseFlags(fs, modeArgs)
		if *entityID <= 0 || *userID <= 0 || *replay == "" {
			fmt.Fprintln(os.Stderr, "Error: --entity, --user and --replay are required")
			fs.Usage()
			os.Exit(2)
		}
		if err := trackmode.Run(ctx, *cfgPath, *entityID, *userID, *replay); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}

	case cli.ModeSpectate:
		fs := flag.NewFlagSet(cli.ModeSpectate, flag.ContinueOnError)
		cfgPath := fs.String("config", "config/config.yaml", "Path to YAML config")
		entityID := fs.Int64("entity", 0, "ID of the shipment to follow")
		userID := fs.Int64("user", 0, "Authenticated user ID (token subject)")
		cli.AttachUsage(fs, cli.ModeSpectate)
		parseFlags(fs, modeArgs)
		if *entityID <= 0 || *userID <= 0 {
			fmt.Fprintln(os.Stderr, "Error: --entity and --user are required")
			fs.Usage()
			os.Exit(2)
		}
		if err := spectate.Run(ctx, *cfgPath, *entityID, *userID); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}

	case cli.ModeToken:
		fs := flag.NewFlagSet(cli.ModeToken, flag.ContinueOnError)
		userID := fs.Int64("user", 0, "User ID (token subject)")
		role := fs.String("role", "exporter", "User role: exporter | buyer | admin")
		secret := fs.String("secret", "", "JWT HMAC secret (HS256)")
		ttl := fs.Duration("ttl", 2*time.Hour, "Token lifetime")
		cli.AttachUsage(fs, cli.ModeToken)
		parseFlags(fs, modeArgs)
		if *userID <= 0 || *secret == "" {
			fmt.Fprintln(os.Stderr, "Error: --user and --secret are required")
			fs.Usage()
			os.Exit(2)
		}
		token, claims, err := cli.GenerateUserToken(*secret, *userID, *role, *ttl)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		fmt.Println("TOKEN:")
		fmt.Println(token)
		fmt.Println("\nCLAIMS:")
		fmt.Printf("  sub:  %s\n", claims.Subject)
		fmt.Printf("  role: %s\n", claims.Role)
		fmt.Printf("  exp:  %s\n", claims.ExpiresAt.Time.UTC().Format(time.RFC3339))

	default:
		fmt.Fprintln(os.Stderr, "Error: unknown mode")
		os.Exit(2)
	}

	// tiny delay to let deferred logs flush on very fast exits
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Millisecond):
	}
}

func parseFlags(fs *flag.FlagSet, args []string) {
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}
}
