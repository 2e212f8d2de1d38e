// Command ppvd runs a set of principal-protected vaults behind a JSON-RPC
// router, streaming committed records over WebSocket and NATS.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/urfave/cli/v2"

	"github.com/luxfi/ppv/pkg/config"
)

var (
	Version   = "v0.0.0"
	GitCommit = ""
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "deployment file",
		Value:   "configs/ppvd.yaml",
		EnvVars: []string{"PPVD_CONFIG"},
	}
	dataDirFlag = &cli.StringFlag{
		Name:    "data-dir",
		Usage:   "directory holding vault snapshots",
		Value:   ".ppvd",
		EnvVars: []string{"PPVD_DATA_DIR"},
	}
	memoryFlag = &cli.BoolFlag{
		Name:  "memory",
		Usage: "keep snapshots in memory only",
	}
	rpcFlag = &cli.StringFlag{
		Name:  "rpc",
		Usage: "JSON-RPC listen address, overrides the file",
	}
	wsFlag = &cli.StringFlag{
		Name:  "ws",
		Usage: "WebSocket listen address, overrides the file",
	}
	metricsFlag = &cli.StringFlag{
		Name:  "metrics",
		Usage: "Prometheus listen address, overrides the file",
	}
	natsFlag = &cli.StringFlag{
		Name:    "nats",
		Usage:   "NATS server URL, overrides the file",
		EnvVars: []string{"NATS_URL"},
	}
	harvestFlag = &cli.DurationFlag{
		Name:  "harvest-every",
		Usage: "compound every vault at this interval, overrides the file",
	}
)

func main() {
	app := &cli.App{
		Name:    "ppvd",
		Usage:   "leveraged principal-protected vault daemon",
		Version: fmt.Sprintf("%s-%s", Version, GitCommit),
		Flags: []cli.Flag{
			configFlag,
			dataDirFlag,
			memoryFlag,
			rpcFlag,
			wsFlag,
			metricsFlag,
			natsFlag,
			harvestFlag,
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "check",
				Usage:  "validate the deployment file and print the vaults it defines",
				Action: check,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the file and applies flag overrides.
func loadConfig(c *cli.Context) (*config.File, error) {
	f, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return nil, err
	}
	if c.IsSet(rpcFlag.Name) {
		f.Server.RPC = c.String(rpcFlag.Name)
	}
	if c.IsSet(wsFlag.Name) {
		f.Server.WebSocket = c.String(wsFlag.Name)
	}
	if c.IsSet(metricsFlag.Name) {
		f.Server.Metrics = c.String(metricsFlag.Name)
	}
	if c.IsSet(natsFlag.Name) {
		f.Server.NATS = c.String(natsFlag.Name)
	}
	if c.IsSet(harvestFlag.Name) {
		f.Server.HarvestEvery = c.Duration(harvestFlag.Name)
	}
	return f, nil
}

func openDB(c *cli.Context, logger log.Logger) (database.Database, error) {
	if c.Bool(memoryFlag.Name) {
		return memdb.New(), nil
	}
	dataPath, err := filepath.Abs(c.String(dataDirFlag.Name))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "ppvd"
	db, err := manager.NewManager(dataPath, nil).New(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("open database in %s: %w", dataPath, err)
	}
	logger.Info("database opened", "path", filepath.Join(dataPath, "badgerdb"))
	return db, nil
}

func run(c *cli.Context) error {
	logger := log.Root().New("app", "ppvd")

	f, err := loadConfig(c)
	if err != nil {
		return err
	}
	db, err := openDB(c, logger)
	if err != nil {
		return err
	}
	node, err := NewNode(f, db, logger)
	if err != nil {
		return err
	}
	defer node.Close()

	logger.Info("ppvd started",
		"version", c.App.Version,
		"vaults", node.Router().Registry().Len(),
		"rpc", f.Server.RPC,
		"websocket", f.Server.WebSocket,
		"metrics", f.Server.Metrics,
	)
	return node.Run(c.Context)
}

func check(c *cli.Context) error {
	f, err := loadConfig(c)
	if err != nil {
		return err
	}
	d, err := f.Build()
	if err != nil {
		return err
	}
	for _, v := range d.Vaults {
		kind := "lp"
		if v.Config.Direct() {
			kind = "direct"
		}
		fmt.Fprintf(c.App.Writer, "%-12s %-10s %s %s cap=%s %s\n",
			v.ID, v.Config.Symbol, v.Address.Hex(), v.Config.Direction(), v.Config.DepositCap.Dec(), kind)
	}
	return nil
}
