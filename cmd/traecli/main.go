// traecli is a small command line front end over the client: list the
// model catalog, run a chat turn (plain or streamed), and dump the
// request history report.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/icube-dev/traego"
	"github.com/icube-dev/traego/internal/auth"
	"github.com/icube-dev/traego/internal/services"
	"github.com/icube-dev/traego/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to a YAML config file")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	shutdown, err := telemetry.Init("traecli", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := traego.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Token == "" {
		// Fall back to the token the IDE left behind on disk.
		if tok, err := auth.TokenFromStorage(auth.DefaultStoragePath()); err == nil {
			cfg.Token = tok
			logger.Debug("token loaded from local storage")
		}
	}

	client, err := traego.New(cfg, traego.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	switch args[0] {
	case "models":
		err = listModels(ctx, client)
	case "chat":
		err = chat(ctx, client, args[1:], false)
	case "stream":
		err = chat(ctx, client, args[1:], true)
	case "whoami":
		err = whoami(ctx, client)
	case "solo":
		err = soloStatus(ctx, client)
	case "report":
		err = report(client)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", args[0], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: traecli [-config file] [-v] <command>

commands:
  models            list the model catalog
  chat <message>    send one chat turn and print the reply
  stream <message>  send one chat turn and print chunks as they arrive
  whoami            show the authenticated user
  solo              show solo mode qualification
  report            print the request performance report`)
}

func listModels(ctx context.Context, client *traego.Client) error {
	models, err := client.Models.List(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		marker := " "
		if m.Name == client.Models.Selected() {
			marker = "*"
		}
		fmt.Printf("%s %-24s %s\n", marker, m.Name, m.DisplayName)
	}
	return nil
}

func chat(ctx context.Context, client *traego.Client, args []string, streaming bool) error {
	if len(args) == 0 {
		return fmt.Errorf("chat needs a message")
	}
	message := args[0]

	if !streaming {
		reply, err := client.Chat.Send(ctx, message, services.SendOptions{})
		if err != nil {
			return err
		}
		fmt.Println(string(reply))
		return nil
	}

	stream, err := client.Chat.Stream(ctx, message, services.SendOptions{})
	if err != nil {
		return err
	}
	defer stream.Close()

	for chunk := range stream.Chunks() {
		fmt.Print(chunk.Content)
	}
	fmt.Println()
	return stream.Err()
}

func whoami(ctx context.Context, client *traego.Client) error {
	profile, err := client.ICube.UserInfo(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s <%s> (id %s)\n", profile.ScreenName, profile.Email, profile.UserID)
	return nil
}

func soloStatus(ctx context.Context, client *traego.Client) error {
	q, err := client.Solo.Qualification(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("solo qualified: %v\n", q.Qualified)
	return nil
}

func report(client *traego.Client) error {
	r := client.PerformanceReport()
	fmt.Printf("requests: %d  successful: %d  success rate: %.1f%%  avg cost: %.1fms\n",
		r.TotalRequests, r.SuccessfulRequests, r.SuccessRate, r.AvgCostMs)
	return nil
}
