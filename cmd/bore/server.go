package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/boreproxy/bore/cmd"
	"github.com/boreproxy/bore/pkg/auth"
	"github.com/boreproxy/bore/pkg/logging"
	"github.com/boreproxy/bore/pkg/profile"
	"github.com/boreproxy/bore/pkg/tunnel"
)

var serverCommand = &cobra.Command{
	Use:   "server",
	Short: "Run the bore server, accepting tunnels from bore local clients",
	Args:  cmd.DisallowArguments,
}

var serverConfiguration struct {
	// minPort is the inclusive lower bound of allocatable public ports.
	minPort uint16
	// maxPort is the inclusive upper bound of allocatable public ports.
	maxPort uint16
	// bindAddr is the address on which control and public listeners bind.
	bindAddr string
	// secret enables HMAC authentication when non-empty.
	secret string
	// apiValidationURL enables bearer authentication when non-empty.
	apiValidationURL string
	// logLevel controls logging verbosity.
	logLevel string
	// profile, if non-empty, enables CPU/heap profiling under the given
	// name. It is undocumented and intended for operator debugging only.
	profile string
}

func init() {
	serverCommand.Run = cmd.Mainify(serverMain)

	flags := serverCommand.Flags()
	flags.Uint16Var(&serverConfiguration.minPort, "min-port", 1024, "inclusive lower bound of allocatable public ports")
	flags.Uint16Var(&serverConfiguration.maxPort, "max-port", 65535, "inclusive upper bound of allocatable public ports")
	flags.StringVar(&serverConfiguration.bindAddr, "bind-addr", "0.0.0.0", "address to bind control and public listeners on")
	flags.StringVar(&serverConfiguration.secret, "secret", "", "shared secret enabling HMAC authentication (also via BORE_SECRET)")
	flags.StringVar(&serverConfiguration.apiValidationURL, "api-validation-url", "", "URL of an external bearer-credential validator (also via BORE_API_VALIDATION_URL)")
	flags.StringVar(&serverConfiguration.logLevel, "log-level", "info", "logging verbosity: disabled, error, warn, info, debug, trace")
	flags.StringVar(&serverConfiguration.profile, "profile", "", "enable CPU/heap profiling under the given name")
	flags.MarkHidden("profile")
}

// resolveServerAuth builds the server's authentication configuration from
// flags and their environment fallbacks, enforcing that at most one mode is
// configured.
func resolveServerAuth() (*auth.ServerAuth, error) {
	secret := serverConfiguration.secret
	if secret == "" {
		secret = os.Getenv("BORE_SECRET")
	}

	validationURL := serverConfiguration.apiValidationURL
	if validationURL == "" {
		validationURL = os.Getenv("BORE_API_VALIDATION_URL")
	}

	if secret != "" && validationURL != "" {
		return nil, errors.New("--secret and --api-validation-url are mutually exclusive")
	}

	switch {
	case secret != "":
		return auth.NewServerAuthHMAC([]byte(secret)), nil
	case validationURL != "":
		return auth.NewServerAuthBearer(auth.NewHTTPValidator(validationURL)), nil
	default:
		return auth.NewServerAuthNone(), nil
	}
}

func serverMain(_ *cobra.Command, _ []string) error {
	level, ok := logging.NameToLevel(serverConfiguration.logLevel)
	if !ok {
		return errors.Errorf("invalid log level: %s", serverConfiguration.logLevel)
	}
	logging.SetLevel(level)

	if serverConfiguration.minPort > serverConfiguration.maxPort {
		return errors.Errorf("--min-port (%d) must not exceed --max-port (%d)", serverConfiguration.minPort, serverConfiguration.maxPort)
	}

	authConfig, err := resolveServerAuth()
	if err != nil {
		return err
	}

	if serverConfiguration.profile != "" {
		p, err := profile.New(serverConfiguration.profile)
		if err != nil {
			return errors.Wrap(err, "unable to start profiling")
		}
		defer p.Finalize()
	}

	server := tunnel.NewServer(tunnel.ServerConfig{
		BindAddr: serverConfiguration.bindAddr,
		MinPort:  serverConfiguration.minPort,
		MaxPort:  serverConfiguration.maxPort,
		Auth:     authConfig,
		Logger:   logging.RootLogger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, cmd.TerminationSignals...)
	go func() {
		<-signals
		logging.RootLogger.Println("Received termination signal, shutting down")
		cancel()
	}()

	return server.Run(ctx)
}
