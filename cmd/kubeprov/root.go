package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/izavyalov-dev/kubeprov/client"
	"github.com/izavyalov-dev/kubeprov/internal/config"
	"github.com/izavyalov-dev/kubeprov/internal/observability"
)

const defaultServer = "http://127.0.0.1:8080"

type rootOptions struct {
	configPath string
	server     string
}

// errRequestFailed makes invoke exit non-zero when the action ran and failed.
var errRequestFailed = errors.New("request finished FAILED")

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "kubeprov",
		Short:         "Provision Kubernetes node-groups through Ansible and Kubespray",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("KUBEPROV_SERVER")
	if server == "" {
		server = defaultServer
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("KUBEPROV_CONFIG"), "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.server, "server", server, "kubeprov server URL for client commands")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newReapCmd(opts),
		newInvokeCmd(opts),
		newRequestsCmd(opts),
		newActionsCmd(opts),
	)
	return cmd
}

// loadConfig reads .env files and the config, then applies the log level.
func (o *rootOptions) loadConfig() (config.Config, error) {
	config.LoadEnv(observability.NewLogger("config"))
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := observability.SetLevel(cfg.LogLevel); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (o *rootOptions) client() *client.HTTPClient {
	return client.NewHTTPClient(o.server)
}

// exitCode maps command errors to process exit statuses: 1 for a failed
// request, 2 for a rejected one, 3 for everything else.
func exitCode(err error) int {
	if errors.Is(err, errRequestFailed) {
		return 1
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
		return 2
	}
	return 3
}
