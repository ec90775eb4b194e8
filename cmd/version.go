package cmd

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/shaharia-lab/pulse/internal/build"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
)

// NewVersionCmd returns the "version" subcommand.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "pulse "+build.String())
		},
	}
}

// printBanner writes the startup banner to stdout. It is the only output
// visible in the terminal during normal operation; all structured logs go
// to the log files instead.
func printBanner(version, serverURL, logDir string) {
	fmt.Println()
	fmt.Println(titleStyle.Render("pulse " + version))
	fmt.Printf("%s %s\n", labelStyle.Render("api    "), serverURL+"/api")
	fmt.Printf("%s %s\n", labelStyle.Render("metrics"), serverURL+"/metrics")
	fmt.Printf("%s %s\n\n", labelStyle.Render("logs   "), logDir)
}
