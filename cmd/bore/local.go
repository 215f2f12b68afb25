package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/boreproxy/bore/cmd"
	"github.com/boreproxy/bore/pkg/auth"
	"github.com/boreproxy/bore/pkg/logging"
	"github.com/boreproxy/bore/pkg/tunnel"
)

var localCommand = &cobra.Command{
	Use:   "local <local_port>",
	Short: "Expose a local TCP port through a bore server",
	Args:  cobra.ExactArgs(1),
}

var localConfiguration struct {
	// to is the bore server's host.
	to string
	// port is the requested public port; 0 means "server chooses."
	port uint16
	// secret enables HMAC authentication when non-empty.
	secret string
	// apiKey enables bearer authentication when non-empty.
	apiKey string
	// logLevel controls logging verbosity.
	logLevel string
}

func init() {
	localCommand.Run = cmd.Mainify(localMain)

	flags := localCommand.Flags()
	flags.StringVar(&localConfiguration.to, "to", "", "address of the bore server (also via BORE_SERVER)")
	flags.Uint16Var(&localConfiguration.port, "port", 0, "requested public port; 0 lets the server choose")
	flags.StringVar(&localConfiguration.secret, "secret", "", "shared secret for HMAC authentication (also via BORE_SECRET)")
	flags.StringVar(&localConfiguration.apiKey, "api-key", "", "bearer credential for the external validator (also via BORE_API_KEY)")
	flags.StringVar(&localConfiguration.logLevel, "log-level", "info", "logging verbosity: disabled, error, warn, info, debug, trace")
}

// resolveClientAuth builds the client's authentication configuration from
// flags and their environment fallbacks, enforcing that at most one
// credential is configured.
func resolveClientAuth() (*auth.ClientAuth, error) {
	secret := localConfiguration.secret
	if secret == "" {
		secret = os.Getenv("BORE_SECRET")
	}

	apiKey := localConfiguration.apiKey
	if apiKey == "" {
		apiKey = os.Getenv("BORE_API_KEY")
	}

	if secret != "" && apiKey != "" {
		return nil, errors.New("--secret and --api-key are mutually exclusive")
	}

	switch {
	case secret != "":
		return auth.NewClientAuthHMAC([]byte(secret)), nil
	case apiKey != "":
		return auth.NewClientAuthBearer(apiKey), nil
	default:
		return auth.NewClientAuthNone(), nil
	}
}

func localMain(_ *cobra.Command, arguments []string) error {
	level, ok := logging.NameToLevel(localConfiguration.logLevel)
	if !ok {
		return errors.Errorf("invalid log level: %s", localConfiguration.logLevel)
	}
	logging.SetLevel(level)

	localPort, err := strconv.ParseUint(arguments[0], 10, 16)
	if err != nil {
		return errors.Wrap(err, "invalid local port")
	}

	serverHost := localConfiguration.to
	if serverHost == "" {
		serverHost = os.Getenv("BORE_SERVER")
	}
	if serverHost == "" {
		return errors.New("a server address must be specified via --to or BORE_SERVER")
	}

	authConfig, err := resolveClientAuth()
	if err != nil {
		return err
	}

	client := tunnel.NewClient(tunnel.ClientConfig{
		ServerAddr:    serverHost,
		RequestedPort: localConfiguration.port,
		LocalAddr:     fmt.Sprintf("127.0.0.1:%d", localPort),
		Auth:          authConfig,
		Logger:        logging.RootLogger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, cmd.TerminationSignals...)
	go func() {
		<-signals
		cancel()
	}()

	return client.Run(ctx)
}
