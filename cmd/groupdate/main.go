package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/groupdate/groupdate/internal/app"
	"github.com/groupdate/groupdate/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "groupdate",
	Short: "groupdate - group dating backend",
	Long:  `groupdate finds sets of mutually matched users and turns the best ones into groups.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("groupdate v" + version.Version)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single group search pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		created, err := a.Runner.RunOnce(a.ContextWithLogger(a.Ctx))
		for _, g := range created {
			fmt.Printf("created group %s (slot %d, %d members)\n", g.ID, g.SlotIndex, len(g.UserIDs))
		}
		if err != nil {
			return err
		}
		fmt.Printf("%d group(s) created\n", len(created))
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the group search on a fixed interval until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sig
			a.Logger.Info("shutting down")
			a.Cancel()
		}()

		if err := a.Runner.Run(a.ContextWithLogger(a.Ctx)); err != nil {
			a.Logger.Info("scheduler exited", zap.Error(err))
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print user, match and group counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		users, matchCount, groupCount, err := a.Matches.Counts(a.Ctx)
		if err != nil {
			return err
		}
		fmt.Printf("users:   %d\nmatches: %d\ngroups:  %d\n", users, matchCount, groupCount)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
