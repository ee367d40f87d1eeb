package main

import (
	"context"
	"path/filepath"

	"github.com/adrianmcphee/quipodb"
	"github.com/adrianmcphee/quipodb/internal/sqlquery"
	"github.com/spf13/cobra"
)

// options holds the global flags shared by all commands.
type options struct {
	configPath string
	dataDir    string
	primaryKey string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "quipodb",
		Short: "QuipoDB CLI - document collections over pluggable providers",
		Long: `QuipoDB stores JSON documents in collections and keeps every configured
provider (JSON file, SQLite, PostgreSQL, Redis, object storage, ...) in sync.

Without --config the data lives in a JSON file under --data.
QUIPODB_* and REDIS_* environment variables override the configuration.

Examples:
  # Create a collection and add a document
  quipodb create users
  quipodb put users '{"id": "u1", "name": "Ada", "age": 36}'

  # Apply update operators
  quipodb update users u1 '{"$add": {"age": 1}}'

  # Query with SQL
  quipodb query "SELECT name FROM users WHERE age > 18"

  # Export everything to PostgreSQL
  quipodb export > dump.sql`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&opts.dataDir, "data", "d", "./data", "Data directory used without --config")
	rootCmd.PersistentFlags().StringVar(&opts.primaryKey, "pk", "id", "Primary key of collections opened by this command")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error")

	rootCmd.AddCommand(
		newCollectionsCmd(opts),
		newCreateCmd(opts),
		newDropCmd(opts),
		newGetCmd(opts),
		newPutCmd(opts),
		newUpdateCmd(opts),
		newDeleteCmd(opts),
		newQueryCmd(opts),
		newExportCmd(opts),
	)
	return rootCmd
}

// config loads --config, or describes the default JSON data file.
func (o *options) config() (*quipodb.Config, error) {
	var cfg *quipodb.Config
	if o.configPath != "" {
		loaded, err := quipodb.LoadConfig(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &quipodb.Config{
			Providers: []quipodb.ProviderConfig{{
				Type: quipodb.ProviderJSON,
				Path: filepath.Join(o.dataDir, "quipodb.json"),
			}},
		}
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// withDB opens the configured DB, runs fn and closes the DB, flushing
// file providers.
func (o *options) withDB(ctx context.Context, fn func(db *quipodb.DB) error) (err error) {
	cfg, err := o.config()
	if err != nil {
		return err
	}
	db, err := quipodb.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); err == nil {
			err = closeErr
		}
	}()
	return fn(db)
}

// withDocs runs fn with the handle of an existing collection.
func (o *options) withDocs(ctx context.Context, name string, fn func(docs *quipodb.Docs) error) error {
	return o.withDB(ctx, func(db *quipodb.DB) error {
		docs, err := sqlquery.Resolve(ctx, db, name, o.primaryKey)
		if err != nil {
			return err
		}
		return fn(docs)
	})
}
