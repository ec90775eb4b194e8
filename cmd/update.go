package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/spf13/cobra"

	"github.com/shaharia-lab/pulse/internal/build"
)

const releaseSlug = "shaharia-lab/pulse"

var errDevBuild = errors.New("cannot update a dev build; install a tagged release first")

// NewUpdateCmd returns the "update" subcommand that self-updates the binary.
func NewUpdateCmd() *cobra.Command {
	var yes, checkOnly bool

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update pulse to the latest release",
		Long:  "Check GitHub releases for a newer version of pulse and replace the running binary.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUpdate(cmd.Context(), yes, checkOnly)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")
	cmd.Flags().BoolVar(&checkOnly, "check", false, "Only report whether a newer release exists")
	return cmd
}

func runUpdate(ctx context.Context, skipConfirm, checkOnly bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	current := strings.TrimPrefix(build.Version, "v")
	if current == "dev" || current == "unknown" {
		return errDevBuild
	}

	updater, err := selfupdate.NewUpdater(selfupdate.Config{})
	if err != nil {
		return fmt.Errorf("creating updater: %w", err)
	}

	fmt.Printf("%s %s\n", labelStyle.Render("current"), build.Version)
	release, found, err := updater.DetectLatest(ctx, selfupdate.ParseSlug(releaseSlug))
	if err != nil {
		return fmt.Errorf("checking for updates: %w", err)
	}
	if !found || !release.GreaterThan(current) {
		fmt.Println(okStyle.Render("already up to date"))
		return nil
	}
	fmt.Printf("%s %s\n", labelStyle.Render("latest "), release.Version())
	if checkOnly {
		return nil
	}

	if !skipConfirm && !confirm(fmt.Sprintf("Update to %s? [y/N] ", release.Version())) {
		fmt.Println("Update canceled.")
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding current executable: %w", err)
	}
	if err := updater.UpdateTo(ctx, release, exe); err != nil {
		return fmt.Errorf("updating: %w", err)
	}

	fmt.Println(okStyle.Render(fmt.Sprintf("updated to %s; restart pulse to use it", release.Version())))
	return nil
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	var input string
	fmt.Scanln(&input) //nolint:errcheck,gosec
	return strings.EqualFold(input, "y")
}
