// Package main provides the nornic CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/nornic-go/pkg/bookmarks"
	"github.com/orneryd/nornic-go/pkg/config"
	"github.com/orneryd/nornic-go/pkg/credentials"
	"github.com/orneryd/nornic-go/pkg/logging"
	"github.com/orneryd/nornic-go/pkg/nornic"
	"github.com/orneryd/nornic-go/pkg/session"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nornic",
		Short: "nornic - Bolt protocol client",
		Long: `nornic is a command-line client for Bolt-speaking graph databases.

It speaks the binary Bolt protocol directly: cluster routing, connection
pooling, managed retries and causal bookmarks, the same machinery the Go
driver library exposes.`,
	}

	rootCmd.PersistentFlags().String("uri", "bolt://localhost:7687", "Connection URI (bolt:// or neo4j://)")
	rootCmd.PersistentFlags().String("username", "neo4j", "Username")
	rootCmd.PersistentFlags().String("password", "", "Password (or use saved credentials)")
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nornic v%s (%s)\n", version, commit)
		},
	})

	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Verify connectivity to the server or cluster",
		RunE:  runPing,
	}
	rootCmd.AddCommand(pingCmd)

	runCmd := &cobra.Command{
		Use:   "run [query]",
		Short: "Run a single query and print the result",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuery,
	}
	runCmd.Flags().String("database", "", "Database name (empty = server default)")
	runCmd.Flags().String("params", "", "Query parameters as a JSON object")
	runCmd.Flags().Bool("write", false, "Route to a writer even for read-shaped queries")
	rootCmd.AddCommand(runCmd)

	credCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage saved credentials",
	}
	credSaveCmd := &cobra.Command{
		Use:   "save",
		Short: "Save credentials encrypted under a master password",
		RunE:  runCredentialsSave,
	}
	credSaveCmd.Flags().String("master-password", "", "Master password sealing the credentials file")
	credCmd.AddCommand(credSaveCmd)
	rootCmd.AddCommand(credCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// stateDir is where the CLI keeps bookmarks and saved credentials.
func stateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	dir := filepath.Join(home, ".nornic")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	return dir, nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Defaults()
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openDriver builds the driver from flags, falling back to saved
// credentials when no password was given.
func openDriver(cmd *cobra.Command) (*nornic.Driver, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	uri, _ := cmd.Flags().GetString("uri")
	username, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")
	if password == "" {
		if saved, ok := loadSavedCredentials(); ok {
			username, password = saved.Principal, saved.Secret
		}
	}

	var auth nornic.AuthToken
	if password == "" {
		auth = nornic.NoAuth()
	} else {
		auth = nornic.BasicAuth(username, password)
	}

	log := logging.New(os.Stderr, cfg.Logging.Level)
	drv, err := nornic.NewDriver(uri, auth, nornic.WithConfig(cfg), nornic.WithLogger(log))
	if err != nil {
		return nil, nil, err
	}
	return drv, cfg, nil
}

// loadSavedCredentials tries the credentials file under the master password
// from NORNIC_MASTER_PASSWORD. Any failure means "no saved credentials".
func loadSavedCredentials() (credentials.Credentials, bool) {
	master := os.Getenv("NORNIC_MASTER_PASSWORD")
	if master == "" {
		return credentials.Credentials{}, false
	}
	dir, err := stateDir()
	if err != nil {
		return credentials.Credentials{}, false
	}
	creds, err := credentials.Load(filepath.Join(dir, "credentials"), master)
	if err != nil {
		return credentials.Credentials{}, false
	}
	return creds, true
}

func runPing(cmd *cobra.Command, args []string) error {
	drv, cfg, err := openDriver(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Socket.ConnectTimeout)
	defer cancel()
	defer drv.Close(ctx)

	start := time.Now()
	if err := drv.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("connectivity check failed: %w", err)
	}
	uri, _ := cmd.Flags().GetString("uri")
	fmt.Printf("✅ %s reachable (%v)\n", uri, time.Since(start).Round(time.Millisecond))
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	query := args[0]
	database, _ := cmd.Flags().GetString("database")
	paramsJSON, _ := cmd.Flags().GetString("params")
	asWrite, _ := cmd.Flags().GetBool("write")

	params := map[string]any{}
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return fmt.Errorf("parsing --params: %w", err)
		}
	}

	drv, _, err := openDriver(cmd)
	if err != nil {
		return err
	}
	ctx := context.Background()
	defer drv.Close(ctx)

	// Bookmarks persist across invocations so sequential CLI calls read
	// their own writes even through a cluster.
	dir, err := stateDir()
	if err != nil {
		return err
	}
	store, err := bookmarks.OpenStore(filepath.Join(dir, "bookmarks"))
	if err != nil {
		return fmt.Errorf("opening bookmark store: %w", err)
	}
	defer store.Close()

	bm, err := store.Load(database)
	if err != nil {
		return fmt.Errorf("loading bookmarks: %w", err)
	}

	sess := drv.NewSession(session.Config{Database: database, Bookmarks: bm})
	defer sess.Close(ctx)

	work := func(tx *session.Transaction) (any, error) {
		return tx.Run(ctx, query, params)
	}
	var out any
	if asWrite || !looksReadOnly(query) {
		out, err = sess.ExecuteWrite(ctx, work)
	} else {
		out, err = sess.ExecuteRead(ctx, work)
	}
	if err != nil {
		return err
	}
	result := out.(*session.Result)

	if err := store.Save(database, sess.LastBookmarks()); err != nil {
		return fmt.Errorf("saving bookmarks: %w", err)
	}

	printResult(result)
	return nil
}

// looksReadOnly is a heuristic for routing; --write overrides it.
func looksReadOnly(query string) bool {
	q := strings.ToUpper(query)
	for _, kw := range []string{"CREATE", "MERGE", "DELETE", "SET ", "REMOVE", "DROP"} {
		if strings.Contains(q, kw) {
			return false
		}
	}
	return true
}

func printResult(res *session.Result) {
	if len(res.Keys) > 0 {
		fmt.Println(strings.Join(res.Keys, "\t"))
	}
	for _, rec := range res.Records {
		cells := make([]string, len(rec))
		for i, v := range rec {
			cells[i] = formatValue(v)
		}
		fmt.Println(strings.Join(cells, "\t"))
	}
	fmt.Printf("(%d rows", len(res.Records))
	if res.Summary.QueryType != "" {
		fmt.Printf(", type=%s", res.Summary.QueryType)
	}
	fmt.Println(")")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	default:
		out, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(out)
	}
}

func runCredentialsSave(cmd *cobra.Command, args []string) error {
	username, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")
	master, _ := cmd.Flags().GetString("master-password")
	if master == "" {
		master = os.Getenv("NORNIC_MASTER_PASSWORD")
	}
	if master == "" {
		return fmt.Errorf("a master password is required (--master-password or NORNIC_MASTER_PASSWORD)")
	}
	if password == "" {
		return fmt.Errorf("--password is required")
	}

	dir, err := stateDir()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "credentials")
	err = credentials.Save(path, credentials.Credentials{
		Scheme:    "basic",
		Principal: username,
		Secret:    password,
	}, master)
	if err != nil {
		return err
	}
	fmt.Printf("✅ Credentials saved to %s\n", path)
	return nil
}
