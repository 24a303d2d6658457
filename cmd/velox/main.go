// Package main implements the velox command-line tool, a fast front
// end for the system package manager.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/velox-pm/velox/internal/config"
	"github.com/velox-pm/velox/internal/download"
	"github.com/velox-pm/velox/internal/journal"
	"github.com/velox-pm/velox/internal/mirrors"
	"github.com/velox-pm/velox/internal/pkgmgr"
)

const (
	defaultConfigPath = "/etc/velox/velox.toml"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "velox",
	Short: "A fast front end for the system package manager",
	Long: `velox wraps the system package manager with parallel multi-mirror
downloads, latency-ranked mirror selection and an undoable transaction
history.

Find more information at: https://github.com/velox-pm/velox`,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Select the fastest mirrors and write the mirror source list",
	Long: `Fetches the distribution's mirror directory, probes every mirror
concurrently, ranks them by latency and persists the best ones as the
package manager's mirror source list.

Usage:
  # Pick the 3 fastest Debian mirrors for trixie
  velox fetch --debian trixie

  # Pick 5 German Ubuntu mirrors for noble
  velox fetch --ubuntu noble --fetches 5 --country DE

  # Only mirrors able to serve a free-software-only listing
  velox fetch --debian trixie --foss

  # Verify the InRelease signature of every selected mirror
  velox fetch --debian trixie --verify-release`,
	Run: runFetch,
}

var installCmd = &cobra.Command{
	Use:   "install <package...>",
	Short: "Install packages",
	Args:  cobra.MinimumNArgs(1),
	Run:   runMutation(pkgmgr.ActionInstall),
}

var removeCmd = &cobra.Command{
	Use:   "remove <package...>",
	Short: "Remove packages",
	Args:  cobra.MinimumNArgs(1),
	Run:   runMutation(pkgmgr.ActionRemove),
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade [package...]",
	Short: "Upgrade installed packages",
	Long: `Upgrades installed packages. By default conflicting packages may be
removed to resolve version conflicts; --no-full never removes packages.`,
	Run: runMutation(pkgmgr.ActionUpgrade),
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show and manipulate transaction history",
	Long: `Show transaction history.

Running "velox history" with no subcommand prints an overview of all
transactions.`,
	Run: runHistorySummary,
}

var historyInfoCmd = &cobra.Command{
	Use:   "info <id>",
	Short: "Show one transaction",
	Args:  cobra.ExactArgs(1),
	Run:   runHistoryInfo,
}

var historyUndoCmd = &cobra.Command{
	Use:   "undo <id>",
	Short: "Undo a transaction",
	Args:  cobra.ExactArgs(1),
	Run:   runHistoryMove(false),
}

var historyRedoCmd = &cobra.Command{
	Use:   "redo <id>",
	Short: "Redo a previously undone transaction",
	Args:  cobra.ExactArgs(1),
	Run:   runHistoryMove(true),
}

var historyClearCmd = &cobra.Command{
	Use:   "clear <id|all>",
	Short: "Clear one transaction or the entire history",
	Args:  cobra.ExactArgs(1),
	Run:   runHistoryClear,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("velox %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(upgradeCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)

	historyCmd.AddCommand(historyInfoCmd)
	historyCmd.AddCommand(historyUndoCmd)
	historyCmd.AddCommand(historyRedoCmd)
	historyCmd.AddCommand(historyClearCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")

	fetchCmd.Flags().Int("fetches", 3, "number of mirrors to select (1-10)")
	fetchCmd.Flags().String("country", "", "only mirrors in this country code")
	fetchCmd.Flags().Bool("foss", false, "only mirrors able to serve a free-software-only listing")
	fetchCmd.Flags().String("debian", "", "select Debian mirrors for the given release")
	fetchCmd.Flags().String("ubuntu", "", "select Ubuntu mirrors for the given release")
	fetchCmd.Flags().Bool("verify-release", false, "verify each selected mirror's InRelease signature")

	for _, cmd := range []*cobra.Command{installCmd, removeCmd, upgradeCmd} {
		cmd.Flags().Bool("download-only", false, "download package files without installing")
		cmd.Flags().BoolP("assume-yes", "y", false, "automatic yes to prompts")
	}
	upgradeCmd.Flags().Bool("no-full", false, "never remove packages to resolve conflicts")
}

// formatError returns a human-friendly error message, optionally with stack trace.
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err)
	}
	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}
	return err.Error()
}

func fail(cmd *cobra.Command, msg string, err error) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	slog.Error(msg, "error", formatError(err, verboseErrors))
	if !verboseErrors {
		slog.Info("run with --verbose-errors for detailed stack traces")
	}
	os.Exit(1)
}

// loadConfig decodes and validates the TOML configuration and applies
// log settings, including the command-line override.
func loadConfig(cmd *cobra.Command) *config.Config {
	conf := config.New()
	if _, err := os.Stat(configPath); err == nil || configPath != defaultConfigPath {
		meta, err := toml.DecodeFile(configPath, conf)
		if err != nil {
			if os.IsNotExist(err) {
				slog.Error("configuration file not found", "path", configPath)
				os.Exit(1)
			}
			fail(cmd, "failed to decode config file", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			slog.Error("configuration contains unknown sections", "path", configPath, "sections", fmt.Sprintf("%v", undecoded))
			os.Exit(1)
		}
	}

	if err := conf.Check(); err != nil {
		fail(cmd, "invalid configuration", err)
	}
	if err := conf.Log.Apply(); err != nil {
		fail(cmd, "failed to apply log config", err)
	}
	if logLevel != "" {
		conf.Log.Level = logLevel
		if err := conf.Log.Apply(); err != nil {
			fail(cmd, "failed to apply command-line log level", err)
		}
	}
	return conf
}

// signalContext cancels the returned context on SIGINT/SIGTERM so
// in-flight probes and downloads stop promptly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// requestedBy resolves the invoking user, honoring sudo and doas.
func requestedBy() string {
	for _, env := range []string{"DOAS_USER", "SUDO_USER"} {
		if name := os.Getenv(env); name != "" {
			return name
		}
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}

func runFetch(cmd *cobra.Command, _ []string) {
	conf := loadConfig(cmd)

	count, _ := cmd.Flags().GetInt("fetches")
	country, _ := cmd.Flags().GetString("country")
	foss, _ := cmd.Flags().GetBool("foss")
	debianRelease, _ := cmd.Flags().GetString("debian")
	ubuntuRelease, _ := cmd.Flags().GetString("ubuntu")
	verifyRelease, _ := cmd.Flags().GetBool("verify-release")

	// Parameter misuse is rejected before any network activity.
	if err := mirrors.ValidateCount(count); err != nil {
		fail(cmd, "invalid fetch count", err)
	}
	var distro mirrors.Distro
	var release string
	switch {
	case debianRelease != "" && ubuntuRelease != "":
		fail(cmd, "conflicting distribution flags",
			errors.Mark(errors.New("--debian and --ubuntu are mutually exclusive"), mirrors.ErrInvalidParameter))
	case debianRelease != "":
		distro, release = mirrors.Debian, debianRelease
	case ubuntuRelease != "":
		distro, release = mirrors.Ubuntu, ubuntuRelease
	default:
		fail(cmd, "missing distribution flag",
			errors.Mark(errors.New("one of --debian or --ubuntu is required"), mirrors.ErrInvalidParameter))
	}

	var verifier *mirrors.ReleaseVerifier
	if verifyRelease {
		if conf.Fetch.PGPKeyPath == "" {
			fail(cmd, "release verification not configured",
				errors.Mark(errors.New("--verify-release requires fetch.pgp_key_path"), mirrors.ErrInvalidParameter))
		}
		var err error
		verifier, err = mirrors.NewReleaseVerifier(conf.Fetch.PGPKeyPath, conf.ProbeTimeout()*4)
		if err != nil {
			fail(cmd, "failed to load PGP key", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	fetcher := mirrors.NewFetcher(
		&mirrors.HTTPDocumentFetcher{},
		mirrors.NewProber(conf.Fetch.MaxProbes, conf.ProbeTimeout()),
		verifier,
	)
	selection, err := fetcher.Run(ctx, mirrors.FetchOptions{
		Distro:        distro,
		Release:       release,
		Count:         count,
		Country:       country,
		FOSSOnly:      foss,
		VerifyRelease: verifyRelease,
	})
	if err != nil {
		fail(cmd, "fetch failed", err)
	}

	if err := mirrors.WriteSourceList(conf.SourceList, selection); err != nil {
		fail(cmd, "failed to write mirror source list", err)
	}

	slog.Info("mirror source list written", "path", conf.SourceList,
		"requested", selection.Requested, "obtained", len(selection.Mirrors))
	for i, mirror := range selection.Mirrors {
		fmt.Printf("%2d. %s (%s)\n", i+1, mirror.URL, mirror.CountryCode)
	}
}

// runMutation handles install, remove and upgrade: plan, download the
// needed package files across mirrors, apply, then record the journal
// entry. A partially failed apply writes no history.
func runMutation(action pkgmgr.Action) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		conf := loadConfig(cmd)

		downloadOnly, _ := cmd.Flags().GetBool("download-only")
		assumeYes, _ := cmd.Flags().GetBool("assume-yes")
		noFull := false
		if cmd.Flags().Lookup("no-full") != nil {
			noFull, _ = cmd.Flags().GetBool("no-full")
		}
		opts := pkgmgr.ApplyOptions{NoRemove: noFull, AssumeYes: assumeYes}

		ctx, cancel := signalContext()
		defer cancel()

		manager := pkgmgr.NewAptManager(conf.CacheDir)
		plan, err := manager.Plan(ctx, action, args, opts)
		if err != nil {
			fail(cmd, "failed to resolve operation", err)
		}
		if len(plan.Deltas) == 0 {
			slog.Info("nothing to do")
			return
		}

		if len(plan.Segments) > 0 {
			if err := fetchSegments(ctx, conf, plan.Segments); err != nil {
				fail(cmd, "download failed", err)
			}
		}
		if downloadOnly {
			slog.Info("download-only: skipping apply", "packages", len(plan.Deltas))
			return
		}

		if err := manager.Apply(ctx, plan.Deltas, opts); err != nil {
			fail(cmd, "package manager reported failure", err)
		}

		jnl, err := journal.Open(conf.JournalPath)
		if err != nil {
			fail(cmd, "failed to open journal", err)
		}
		id, err := jnl.Append(action, plan.Deltas, requestedBy())
		if err != nil {
			fail(cmd, "failed to record transaction", err)
		}
		slog.Info("transaction recorded", "id", id, "kind", action, "altered", len(plan.Deltas))
	}
}

// fetchSegments runs the download coordinator over the persisted
// mirror selection.
func fetchSegments(ctx context.Context, conf *config.Config, segments []*download.Segment) error {
	urls, err := mirrors.ReadSourceList(conf.SourceList)
	if err != nil {
		return errors.Wrap(err, "no usable mirror list; run velox fetch first")
	}
	sources := make([]download.Mirror, len(urls))
	for i, u := range urls {
		sources[i] = download.Mirror{URL: u}
	}

	coordinator, err := download.NewCoordinator(
		download.NewHTTPTransport(),
		sources,
		conf.Download.MaxConnsPerMirror,
		conf.SegmentTimeout(),
		conf.Download.NoProgress,
	)
	if err != nil {
		return err
	}
	result, err := coordinator.Fetch(ctx, segments)
	if err != nil {
		return err
	}
	for remote, source := range result.ServedBy {
		slog.Debug("segment served", "segment", remote, "source", source)
	}
	return nil
}

func runHistorySummary(cmd *cobra.Command, _ []string) {
	conf := loadConfig(cmd)

	jnl, err := journal.Open(conf.JournalPath)
	if err != nil {
		fail(cmd, "failed to open journal", err)
	}
	entries := jnl.Entries()
	if len(entries) == 0 {
		fmt.Println("No history exists...")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCommand\tDate and Time\tAltered\tRequested-By")
	for _, tx := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
			tx.ID, tx.Kind, tx.Time.Local().Format("2006-01-02 15:04:05"),
			len(tx.Deltas), tx.RequestedBy)
	}
	w.Flush()
}

func parseHistoryID(cmd *cobra.Command, arg string) uint64 {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || id == 0 {
		fail(cmd, "invalid transaction id",
			errors.Mark(errors.Newf("transaction id must be a positive integer, got %q", arg), journal.ErrNotFound))
	}
	return id
}

func runHistoryInfo(cmd *cobra.Command, args []string) {
	conf := loadConfig(cmd)

	jnl, err := journal.Open(conf.JournalPath)
	if err != nil {
		fail(cmd, "failed to open journal", err)
	}
	tx, err := jnl.Info(parseHistoryID(cmd, args[0]))
	if err != nil {
		fail(cmd, "history info failed", err)
	}

	fmt.Printf("Transaction %d (%s) by %s at %s\n",
		tx.ID, tx.Kind, tx.RequestedBy, tx.Time.Local().Format("2006-01-02 15:04:05"))
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Package\tOp\tVersion\tOld Version")
	for _, d := range tx.Deltas {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name, d.Op, d.Version, d.OldVersion)
	}
	w.Flush()
}

func runHistoryMove(redo bool) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		conf := loadConfig(cmd)

		ctx, cancel := signalContext()
		defer cancel()

		jnl, err := journal.Open(conf.JournalPath)
		if err != nil {
			fail(cmd, "failed to open journal", err)
		}
		id := parseHistoryID(cmd, args[0])

		applier := &journalApplier{manager: pkgmgr.NewAptManager(conf.CacheDir)}
		if redo {
			err = jnl.Redo(ctx, id, applier)
		} else {
			err = jnl.Undo(ctx, id, applier)
		}
		if err != nil {
			fail(cmd, "history operation failed", err)
		}
		if redo {
			slog.Info("transaction redone", "id", id)
		} else {
			slog.Info("transaction undone", "id", id)
		}
	}
}

// journalApplier adapts the package manager to the journal's Applier.
type journalApplier struct {
	manager pkgmgr.Manager
}

func (a *journalApplier) Apply(ctx context.Context, deltas []pkgmgr.Delta) error {
	return a.manager.Apply(ctx, deltas, pkgmgr.ApplyOptions{AssumeYes: true})
}

func runHistoryClear(cmd *cobra.Command, args []string) {
	conf := loadConfig(cmd)

	jnl, err := journal.Open(conf.JournalPath)
	if err != nil {
		fail(cmd, "failed to open journal", err)
	}

	if args[0] == "all" {
		if err := jnl.ClearAll(); err != nil {
			fail(cmd, "history clear failed", err)
		}
		fmt.Println("History has been cleared")
		return
	}

	if err := jnl.Clear(parseHistoryID(cmd, args[0])); err != nil {
		fail(cmd, "history clear failed", err)
	}
	fmt.Println("History has been altered...")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
