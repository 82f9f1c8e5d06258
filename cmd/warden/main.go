package main

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chihaya/warden/credential"
	httpfrontend "github.com/chihaya/warden/frontend/http"
	"github.com/chihaya/warden/middleware"
	"github.com/chihaya/warden/middleware/anticheat"
	"github.com/chihaya/warden/middleware/clientpolicy"
	"github.com/chihaya/warden/pkg/log"
	"github.com/chihaya/warden/pkg/metrics"
	"github.com/chihaya/warden/pkg/stop"
	"github.com/chihaya/warden/pkg/timecache"
	"github.com/chihaya/warden/settings"
	"github.com/chihaya/warden/storage"
)

// Run represents the state of a running instance of warden.
type Run struct {
	configFilePath string
	settingsFile   *settings.File
	sg             *stop.Group
}

// NewRun runs an instance of warden.
func NewRun(configFilePath string) (*Run, error) {
	r := &Run{configFilePath: configFilePath}
	return r, r.Start()
}

// Start begins an instance of warden.
//
// Components are registered with the stop group as they are created, so a
// failed start can be unwound with Stop.
func (r *Run) Start() error {
	configFile, err := ParseConfigFile(r.configFilePath)
	if err != nil {
		return errors.New("failed to read config: " + err.Error())
	}
	cfg := configFile.Warden.Validate()
	log.Info("loaded config", cfg)

	r.sg = stop.NewGroup()

	if cfg.MetricsAddr != "" {
		log.Info("starting metrics server", log.Fields{"addr": cfg.MetricsAddr})
		r.sg.Add(metrics.NewServer(cfg.MetricsAddr))
	}

	var sp settings.Provider
	if cfg.SettingsFile != "" {
		r.settingsFile, err = settings.NewFile(cfg.SettingsFile, cfg.SettingsRefreshInterval)
		if err != nil {
			return errors.New("failed to load settings: " + err.Error())
		}
		r.sg.Add(r.settingsFile)
		sp = r.settingsFile
	} else {
		log.Warn("no settings file configured, using default settings")
		if sp, err = settings.NewStatic(settings.Default()); err != nil {
			return err
		}
	}

	creds, err := cfg.Credentials.NewCredentialStore()
	if err != nil {
		return errors.New("failed to create credential store: " + err.Error())
	}
	r.sg.Add(creds)

	swarms, err := storage.NewSwarmStore(cfg.Storage.Name, cfg.Storage.Config)
	if err != nil {
		return errors.New("failed to create swarm store: " + err.Error())
	}
	r.sg.Add(swarms)
	log.Info("started swarm store", log.Fields{"name": cfg.Storage.Name})

	collabs, err := cfg.Collaborators.NewCollaborators()
	if err != nil {
		return errors.New("failed to connect collaborators: " + err.Error())
	}
	for _, s := range collabs.stoppers {
		r.sg.Add(s)
	}

	clock := timecache.Global()
	engine := anticheat.NewEngine(cfg.AntiCheat, sp, collabs.CheatLogs, collabs.Escalator, clock)
	r.sg.Add(engine)
	r.sg.Add(credential.NewCleaner(creds, sp, clock, cfg.CredentialCleanupInterval))

	env := middleware.Env{Settings: sp}
	preHooks, err := middleware.HooksFromHookConfigs(cfg.PreHooks, env)
	if err != nil {
		return errors.New("failed to validate prehook config: " + err.Error())
	}
	if !hasHook(cfg.PreHooks, clientpolicy.Name) {
		// The site's banned clients always apply, first.
		preHooks = append([]middleware.Hook{clientpolicy.New(sp)}, preHooks...)
	}

	responseHooks, err := middleware.HooksFromHookConfigs(cfg.ResponseHooks, env)
	if err != nil {
		return errors.New("failed to validate responsehook config: " + err.Error())
	}

	postHooks, err := middleware.HooksFromHookConfigs(cfg.PostHooks, env)
	if err != nil {
		return errors.New("failed to validate posthook config: " + err.Error())
	}

	logic := middleware.NewLogic(middleware.Collaborators{
		Settings:      sp,
		Authenticator: credential.NewAuthenticator(creds, collabs.Directory),
		Swarms:        swarms,
		AntiCheat:     engine,
		Ledger:        collabs.Ledger,
		Clock:         clock,
	}, preHooks, responseHooks, postHooks)
	r.sg.Add(logic)

	if cfg.HTTPConfig.Addr == "" {
		return errors.New("must specify an http addr")
	}
	log.Info("starting HTTP frontend", cfg.HTTPConfig)
	httpfe, err := httpfrontend.NewFrontend(logic, cfg.HTTPConfig)
	if err != nil {
		return err
	}
	r.sg.Add(httpfe)

	return nil
}

// ReloadSettings re-reads the site settings file, if one is configured.
func (r *Run) ReloadSettings() {
	if r.settingsFile == nil {
		log.Warn("no settings file to reload")
		return
	}
	r.settingsFile.Reload()
}

func combineErrors(prefix string, errs []error) error {
	errStrs := make([]string, 0, len(errs))
	for _, err := range errs {
		errStrs = append(errStrs, err.Error())
	}

	return errors.New(prefix + ": " + strings.Join(errStrs, "; "))
}

// Stop shuts down an instance of warden, frontends first and storage last.
func (r *Run) Stop() error {
	log.Debug("stopping frontends, hooks and stores")
	if errs := r.sg.Stop().Wait(); len(errs) != 0 {
		return combineErrors("failed while shutting down", errs)
	}
	return nil
}

// RootRunCmdFunc implements a Cobra command that runs an instance of warden
// and handles reloading and shutdown via process signals.
func RootRunCmdFunc(cmd *cobra.Command, args []string) error {
	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	r, err := NewRun(configFilePath)
	if err != nil {
		if r.sg != nil {
			if stopErr := r.Stop(); stopErr != nil {
				log.Error("failed to unwind partial start", log.Err(stopErr))
			}
		}
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	reload := makeReloadChan()

	for {
		select {
		case <-reload:
			log.Info("reloading settings")
			r.ReloadSettings()
		case <-ctx.Done():
			log.Info("shutting down")
			return r.Stop()
		}
	}
}

// RootPreRunCmdFunc handles command line flags for the Run command.
func RootPreRunCmdFunc(cmd *cobra.Command, args []string) error {
	noColors, err := cmd.Flags().GetBool("nocolors")
	if err != nil {
		return err
	}
	if noColors {
		log.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	}

	jsonLog, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}
	if jsonLog {
		log.SetFormatter(&logrus.JSONFormatter{})
		log.Info("enabled JSON logging")
	}

	debugLog, err := cmd.Flags().GetBool("debug")
	if err != nil {
		return err
	}
	if debugLog {
		log.SetDebug(true)
		log.Info("enabled debug logging")
	}

	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:               "warden",
		Short:             "Private BitTorrent Tracker",
		Long:              "A private BitTorrent tracker enforcing credentials, ratio accounting and anti-cheat policy",
		PersistentPreRunE: RootPreRunCmdFunc,
		RunE:              RootRunCmdFunc,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("json", false, "enable json logging")
	rootCmd.PersistentFlags().Bool("nocolors", false, "disable log coloring")

	rootCmd.Flags().String("config", "/etc/warden.yaml", "location of configuration file")

	e2eCmd := &cobra.Command{
		Use:   "e2e",
		Short: "exec e2e tests",
		Long:  "Execute the warden end-to-end test suite against a running tracker",
		RunE:  EndToEndRunCmdFunc,
	}

	e2eCmd.Flags().String("first", "", "announce URL, including credential, of the first user")
	e2eCmd.Flags().String("second", "", "announce URL, including credential, of the second user")
	e2eCmd.Flags().String("infohash", "", "hex infohash of a torrent both credentials are valid for")
	e2eCmd.Flags().Duration("delay", time.Second, "delay between announces")

	rootCmd.AddCommand(e2eCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal("failed when executing root cobra command", log.Err(err))
	}
}

func hasHook(cfgs []middleware.HookConfig, name string) bool {
	for _, cfg := range cfgs {
		if cfg.Name == name {
			return true
		}
	}
	return false
}
