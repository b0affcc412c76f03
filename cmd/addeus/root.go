package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/add-eus/library/docdb"
	"github.com/add-eus/library/docdb/badgerdb"
	"github.com/add-eus/library/docdb/ddbdocs"
	"github.com/add-eus/library/search"
	"github.com/add-eus/library/search/algolia"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/spf13/cobra"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// env is how commands reach the outside world. Tests swap the constructors.
type env struct {
	openClient func(ctx context.Context, cfg Config, logger *slog.Logger) (docdb.Client, error)
	awsClients func(ctx context.Context, cfg Config) (identityAPI, policyAPI, error)
	// hostedSearch returns nil when no hosted search is configured.
	hostedSearch func(cfg Config) (search.Provider, error)
}

func defaultEnv() *env {
	return &env{
		openClient: func(ctx context.Context, cfg Config, logger *slog.Logger) (docdb.Client, error) {
			if cfg.Backend == BackendDynamoDB {
				awsCfg, err := loadAWSConfig(ctx, cfg)
				if err != nil {
					return nil, err
				}
				return ddbdocs.New(dynamodb.NewFromConfig(awsCfg), cfg.Table, ddbdocs.WithLogger(logger)), nil
			}
			store, err := badgerdb.Open(badgerdb.Options{Path: cfg.DataDir, Logger: logger})
			if err != nil {
				return nil, err
			}
			return store, nil
		},
		awsClients: func(ctx context.Context, cfg Config) (identityAPI, policyAPI, error) {
			awsCfg, err := loadAWSConfig(ctx, cfg)
			if err != nil {
				return nil, nil, err
			}
			return sts.NewFromConfig(awsCfg), iam.NewFromConfig(awsCfg), nil
		},
		hostedSearch: func(cfg Config) (search.Provider, error) {
			if _, ok := os.LookupEnv("ALGOLIA_APPLICATION_ID"); !ok {
				return nil, nil
			}
			acfg, err := algolia.LoadConfigFromEnv()
			if err != nil {
				return nil, err
			}
			if acfg.Prefix == "" {
				acfg.Prefix = cfg.SearchPrefix
			}
			return algolia.New(acfg), nil
		},
	}
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

// rootOptions holds global flags for all commands.
type rootOptions struct {
	env *env

	configPath string
	backend    string
	dataDir    string
	table      string
	region     string
	format     string
	verbose    bool

	// resolved before any subcommand runs
	cfg    Config
	logger *slog.Logger
}

func newRootCommand(e *env) *cobra.Command {
	opts := &rootOptions{env: e}

	cmd := &cobra.Command{
		Use:           "addeus",
		Short:         "Inspect the document store of an add-eus application",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.resolve(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: nearest "+ConfigFile+")")
	cmd.PersistentFlags().StringVar(&opts.backend, "backend", "", "document store: badger or dynamodb")
	cmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "badger data directory")
	cmd.PersistentFlags().StringVar(&opts.table, "table", "", "DynamoDB table")
	cmd.PersistentFlags().StringVar(&opts.region, "region", "", "AWS region")
	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newSearchCommand(opts))
	cmd.AddCommand(newDoctorCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// resolve merges the config file with flags; flags win.
func (o *rootOptions) resolve(cmd *cobra.Command) error {
	if !slices.Contains(ValidFormats, o.format) {
		return fmt.Errorf("invalid format %q: must be one of %v", o.format, ValidFormats)
	}

	cfg, err := LoadConfig(o.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend = o.backend
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = o.dataDir
	}
	if flags.Changed("table") {
		cfg.Table = o.table
	}
	if flags.Changed("region") {
		cfg.Region = o.region
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendBadger
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	o.cfg = cfg

	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	o.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return nil
}

func (o *rootOptions) open(ctx context.Context) (docdb.Client, error) {
	client, err := o.env.openClient(ctx, o.cfg, o.logger)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", o.cfg.Backend, err)
	}
	return client, nil
}

func (o *rootOptions) printer(cmd *cobra.Command) printer {
	return printer{format: o.format, w: cmd.OutOrStdout()}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "addeus version %s\n", version)
			return err
		},
	}
}
