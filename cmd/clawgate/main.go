package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/clawgate/agent"
	"github.com/hrygo/clawgate/chat"
	"github.com/hrygo/clawgate/chat/channels/desktop"
	"github.com/hrygo/clawgate/chat/channels/guild"
	"github.com/hrygo/clawgate/chat/channels/telegram"
	"github.com/hrygo/clawgate/chat/channels/webchat"
	"github.com/hrygo/clawgate/chat/channels/whatsapp"
	"github.com/hrygo/clawgate/gateway"
	"github.com/hrygo/clawgate/internal/config"
	"github.com/hrygo/clawgate/internal/profile"
	"github.com/hrygo/clawgate/internal/version"
	"github.com/hrygo/clawgate/server"
	"github.com/hrygo/clawgate/session"
)

// Exit codes: 0 clean shutdown, 1 startup failure (config, port bind),
// 2 fatal runtime failure (state directory unusable), 130 interrupted.
const (
	exitOK          = 0
	exitStartup     = 1
	exitRuntime     = 2
	exitInterrupted = 130
)

const shutdownGrace = 5 * time.Second

var rootCmd = &cobra.Command{
	Use:   "clawgate",
	Short: "Chat-to-agent gateway: connects chat surfaces to an embedded coding agent.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		os.Exit(run())
	},
}

func run() int {
	instanceProfile := &profile.Profile{
		Mode:     viper.GetString("mode"),
		Addr:     viper.GetString("addr"),
		Port:     viper.GetInt("port"),
		UNIXSock: viper.GetString("unix-sock"),
		Data:     viper.GetString("data"),
		Config:   viper.GetString("config"),
		Version:  version.GetCurrentVersion(viper.GetString("mode")),
	}
	instanceProfile.FromEnv()
	if err := instanceProfile.Validate(); err != nil {
		slog.Error("Invalid profile", "error", err)
		return exitStartup
	}

	cfgManager, err := config.NewManager(instanceProfile.Config)
	if err != nil {
		slog.Error("Failed to load gateway config", "path", instanceProfile.Config, "error", err)
		return exitStartup
	}
	cfgManager.Watch()
	cfgFn := cfgManager.Current

	engine, err := agent.NewOpenAIEngine(agent.EngineConfig{
		APIKey:  instanceProfile.LLMAPIKey,
		BaseURL: instanceProfile.LLMBaseURL,
		Model:   instanceProfile.LLMModel,
		Timeout: instanceProfile.LLMTimeout,
	})
	if err != nil {
		slog.Error("Failed to create agent engine", "error", err)
		return exitStartup
	}

	store, err := session.NewStore(instanceProfile.Data + "/sessions")
	if err != nil {
		slog.Error("Failed to open session store", "error", err)
		return exitRuntime
	}
	sessionCfg := cfgFn().Session
	sessions, err := session.NewManager(&sessionCfg, store)
	if err != nil {
		slog.Error("Failed to load sessions", "error", err)
		return exitRuntime
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sessions.StartSweeper(ctx)

	router := chat.NewRouter()
	deliveryCfg := cfgFn().Delivery
	dispatcher := gateway.NewDispatcher(router, &deliveryCfg)
	coord := gateway.NewCoordinator(ctx, cfgFn, engine, sessions, dispatcher)
	pipeline := gateway.NewPipeline(cfgFn, gateway.NewGate(), sessions, coord, dispatcher)
	heartbeats := gateway.NewHeartbeatScheduler(cfgFn, coord, dispatcher)

	sink := make(chan *chat.InboundEvent, 256)
	webchatChannel := registerChannels(ctx, cfgFn(), instanceProfile, router, sink)

	httpServer := server.New(cfgFn, coord, sessions, heartbeats, server.NewTransformRegistry())
	if webchatChannel != nil {
		httpServer.Mount("/webchat/ws", webchatChannel)
	}

	go pipeline.Run(ctx, sink)
	heartbeats.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		if instanceProfile.UNIXSock != "" {
			serverErr <- httpServer.StartUnix(instanceProfile.UNIXSock)
			return
		}
		serverErr <- httpServer.Start(fmt.Sprintf("%s:%d", instanceProfile.Addr, instanceProfile.Port))
	}()

	printGreetings(instanceProfile)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, terminationSignals...)

	code := exitOK
	select {
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
		// A second signal during the grace period aborts immediately.
		go func() {
			<-sigCh
			os.Exit(exitInterrupted)
		}()
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			code = exitStartup
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	cancel()
	if err := router.Close(); err != nil {
		slog.Warn("Channel close failed", "error", err)
	}
	if err := sessions.Close(); err != nil {
		slog.Warn("Session store flush failed", "error", err)
	}
	return code
}

// registerChannels builds and starts the drivers for every enabled surface.
// Returns the webchat channel for HTTP mounting, or nil.
func registerChannels(ctx context.Context, cfg *config.Config, p *profile.Profile,
	router *chat.Router, sink chan *chat.InboundEvent) *webchat.Channel {
	start := func(ch chat.Channel) {
		router.Register(ch)
		go func() {
			if err := ch.Start(ctx, sink); err != nil {
				slog.Error("Channel stopped", "surface", string(ch.Name()), "error", err)
			}
		}()
	}

	enabled := func(name string) bool {
		sc, ok := cfg.Surfaces[name]
		return ok && sc.IsEnabled()
	}

	if enabled("telegram") {
		token := os.Getenv("CLAWGATE_TELEGRAM_TOKEN")
		if token == "" {
			slog.Warn("Telegram surface enabled but CLAWGATE_TELEGRAM_TOKEN is not set")
		} else if ch, err := telegram.New(&telegram.Config{BotToken: token}); err != nil {
			slog.Error("Telegram driver failed", "error", err)
		} else {
			start(ch)
		}
	}

	if enabled("whatsapp") {
		bridgeURL := getEnvDefault("CLAWGATE_WHATSAPP_BRIDGE_URL", "http://localhost:3000")
		if ch, err := whatsapp.New(bridgeURL, os.Getenv("CLAWGATE_WHATSAPP_BRIDGE_KEY")); err != nil {
			slog.Error("WhatsApp driver failed", "error", err)
		} else {
			start(ch)
		}
	}

	if enabled("guild") {
		bridgeURL := getEnvDefault("CLAWGATE_GUILD_BRIDGE_URL", "http://localhost:3001")
		if ch, err := guild.New(bridgeURL, os.Getenv("CLAWGATE_GUILD_BRIDGE_KEY")); err != nil {
			slog.Error("Guild driver failed", "error", err)
		} else {
			start(ch)
		}
	}

	if enabled("desktop") {
		socketPath := getEnvDefault("CLAWGATE_DESKTOP_SOCKET", p.Data+"/desktop.sock")
		start(desktop.New(socketPath, true))
	}

	var webchatChannel *webchat.Channel
	if enabled("webchat") {
		webchatChannel = webchat.New()
		start(webchatChannel)
	}

	return webchatChannel
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("clawgate %s started successfully!\n", p.Version)
	fmt.Printf("Data directory: %s\n", p.Data)
	fmt.Printf("Gateway config: %s\n", p.Config)
	fmt.Printf("Mode: %s\n", p.Mode)
	if p.UNIXSock == "" {
		fmt.Printf("Webhook/webchat server on %s:%d\n", p.Addr, p.Port)
	} else {
		fmt.Printf("Webhook/webchat server on unix socket: %s\n", p.UNIXSock)
	}
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 28090)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28090, "port of server")
	rootCmd.PersistentFlags().String("unix-sock", "", "path to the unix socket, overrides --addr and --port")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("config", "", "gateway config file, defaults to <data>/gateway.yaml")

	for _, flag := range []string{"mode", "addr", "port", "unix-sock", "data", "config"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("clawgate")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitStartup)
	}
}
