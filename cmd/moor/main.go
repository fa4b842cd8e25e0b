package main

import (
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/moorlab/moor/internal/settings"
)

var version = "0.1.0"

type rootOptions struct {
	settingsPath string
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "moor",
		Short: "Open ready execution channels to remote hosts over SSH",
	}
	rootCmd.PersistentFlags().StringVar(&opts.settingsPath, "settings", "",
		"path to the settings file (default $HOME/.moor/settings.yaml, or $MOOR_SETTINGS)")

	rootCmd.AddCommand(newConnectCmd(opts))
	rootCmd.AddCommand(newHostsCmd(opts))
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the moor version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(os.Stdout, version)
		},
	}
}

func newHostsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "List remote hosts declared in settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := settings.Load(opts.settingsPath)
			if err != nil {
				return err
			}
			if len(s.Connections) == 0 {
				fmt.Fprintln(os.Stdout, "no connections declared; add some to "+settings.DefaultPath())
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTARGET\tPROJECTS")
			for _, c := range s.Connections {
				fmt.Fprintf(w, "%s\t%s\t%d\n", c.DisplayName(), c.Target().ConnectionString(), len(c.Projects))
			}
			return w.Flush()
		},
	}
	return cmd
}
