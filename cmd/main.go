package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"octoprintpsu/internal/api"
	"octoprintpsu/internal/config"
	"octoprintpsu/internal/configflow"
	"octoprintpsu/internal/discovery"
	"octoprintpsu/internal/entity"
	"octoprintpsu/internal/integration"
	"octoprintpsu/internal/metrics"
	"octoprintpsu/internal/mqttbridge"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const usage = `usage: octoprint-psu <command> [flags]

commands:
  run       connect every configured printer and serve the switches (default)
  pair      add a printer using the App-Keys workflow or a manual API key
  discover  list OctoPrint instances announced on the local network
`

func main() {
	// Load environment variables
	envErr := godotenv.Load()

	env, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid environment: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := newLogger(env.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	command, args := "run", os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		command, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(env.EntriesPath, logger)

	switch command {
	case "run":
		err = run(ctx, env, loader, logger)
	case "pair":
		err = pair(ctx, args, loader, logger)
	case "discover":
		err = discover(ctx, args, loader, logger)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		logger.Error("Command failed", zap.String("command", command), zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, env config.Env, loader *config.Loader, logger *zap.Logger) error {
	file, err := loader.Load()
	if err != nil {
		return err
	}

	logger.Info("Starting OctoPrint PSU integration",
		zap.String("entries_file", loader.Path()),
		zap.Int("entries", len(file.Entries)))

	collector := metrics.NewCollector()
	writers := entity.MultiWriter{entity.LogWriter{Logger: logger}, collector}

	var integ *integration.Integration
	unload := []func(string){collector.Forget}
	remove := []func(string){}

	// The bridge looks switches up lazily; it only starts routing commands
	// once the integration exists.
	var bridge *mqttbridge.Bridge
	if env.MQTTBroker != "" {
		client, err := mqttbridge.Connect(env.MQTTBroker, "octoprint-psu-"+uuid.NewString()[:8],
			&mqttbridge.Will{Topic: mqttbridge.StatusTopic(env.TopicPrefix), Payload: mqttbridge.PayloadOffline}, logger)
		if err != nil {
			return err
		}
		defer client.Disconnect(250)

		bridge = mqttbridge.NewBridge(client, env.TopicPrefix, func(id string) (mqttbridge.Switch, bool) {
			sw, ok := integ.Switch(id)
			if !ok {
				return nil, false
			}
			return sw, true
		}, logger)

		writers = append(writers, bridge)
		unload = append(unload, bridge.MarkOffline)
		remove = append(remove, bridge.Forget)
	}

	integ = integration.New(logger, integration.Options{
		Writer:    writers,
		Recorders: collector.ForEntry,
		OnUnload: func(id string) {
			for _, fn := range unload {
				fn(id)
			}
		},
	})
	defer integ.Shutdown(context.Background())

	if bridge != nil {
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("failed to start MQTT bridge: %w", err)
		}
		defer bridge.Stop()
	}

	for _, entry := range file.Entries {
		setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if _, err := integ.SetupEntry(setupCtx, entry); err != nil {
			logger.Error("Failed to set up entry",
				zap.String("entry_id", entry.ID),
				zap.String("url", entry.URL),
				zap.Error(err))
		}
		cancel()
	}

	if env.APIPort > 0 {
		server := api.NewServer(api.IntegrationSwitches{Integration: integ}, logger, env.APIPort, api.Options{
			Metrics: collector.Handler(),
			Remove: func(ctx context.Context, id string) error {
				if err := integ.RemoveEntry(ctx, id); err != nil {
					return err
				}
				for _, fn := range remove {
					fn(id)
				}
				_, err := loader.Remove(id)
				return err
			},
		})
		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop()
	}

	logger.Info("Application running. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-ctx.Done()

	logger.Info("Shutting down gracefully...")
	return nil
}

func pair(ctx context.Context, args []string, loader *config.Loader, logger *zap.Logger) error {
	fs := flag.NewFlagSet("pair", flag.ExitOnError)
	url := fs.String("url", "", "OctoPrint url, e.g. http://octopi.local/")
	username := fs.String("username", "", "OctoPrint user the key is requested for")
	apiKey := fs.String("api-key", "", "API key to use when the App-Keys workflow is unavailable")
	name := fs.String("name", "", "display name (defaults to the printer name)")
	timeout := fs.Duration("timeout", 60*time.Second, "how long to wait for the request to be approved")
	revoke := fs.Bool("revoke", false, "revoke the key when the entry is removed")
	fs.Parse(args)

	if *url == "" {
		fs.Usage()
		return errors.New("-url is required")
	}

	flow := configflow.New(uuid.NewString()[:8], logger,
		configflow.WithWorkflowTimeout(*timeout),
		configflow.WithConfigured(loader.HasURL))

	result := flow.User(ctx, &configflow.UserInput{URL: *url, Username: *username})
	for result.Type != configflow.ResultCreate {
		switch {
		case result.Type == configflow.ResultAbort:
			return fmt.Errorf("pairing aborted: %s", result.Reason)

		case result.Type == configflow.ResultExternal:
			fmt.Printf("Approve the access request for %q in OctoPrint at %s\n", flow.AppName(), result.URL)
			result = flow.AppKeysWorkflow(ctx)

		case result.StepID == configflow.StepManual:
			if *apiKey == "" || result.Errors != nil {
				return errors.New("App-Keys workflow unavailable and no valid -api-key given")
			}
			result = flow.Manual(ctx, &configflow.ManualInput{APIKey: *apiKey})

		case result.StepID == configflow.StepFinish:
			result = flow.Finish(&configflow.FinishInput{Name: *name})

		default:
			return fmt.Errorf("pairing failed at step %s: %v", result.StepID, result.Errors)
		}
	}

	entry := *result.Entry
	entry.RevokeAPIKey = *revoke
	entry, err := loader.Add(entry)
	if err != nil {
		return err
	}

	fmt.Printf("Added %s (%s) as entry %s\n", entry.Name, entry.URL, entry.ID)
	return nil
}

func discover(ctx context.Context, args []string, loader *config.Loader, logger *zap.Logger) error {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	timeout := fs.Duration("timeout", 5*time.Second, "how long to listen for announcements")
	location := fs.String("ssdp-location", "", "check the LOCATION of an SSDP announcement instead of browsing mDNS")
	fs.Parse(args)

	var found []discovery.Info
	if *location != "" {
		info, err := discovery.FromSSDPLocation(*location)
		if err != nil {
			return err
		}
		found = append(found, info)
	} else {
		var err error
		found, err = discovery.NewBrowser(logger, *timeout).Browse(ctx)
		if err != nil {
			return err
		}
	}

	for _, info := range found {
		flow := configflow.New(uuid.NewString()[:8], logger, configflow.WithConfigured(loader.HasURL))
		status := "new"
		if result := flow.Discovered(info); result.Type == configflow.ResultAbort {
			status = result.Reason
		}
		fmt.Printf("%-40s %-16s %s\n", configflow.URLFromDiscovery(info), status, info.Instance)
	}
	if len(found) == 0 {
		fmt.Println("No OctoPrint instances found")
	}
	return nil
}
