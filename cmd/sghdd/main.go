package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scsitools/sghdd/internal/config"
	"github.com/scsitools/sghdd/internal/copier"
	"github.com/scsitools/sghdd/internal/logging"
	"github.com/scsitools/sghdd/internal/scsi"
)

var version = "dev"

// Cmd is the command line arguments beyond the dd-style operands.
type Cmd struct {
	ProfilePath string
	DryRun      bool
	Verbose     bool
}

var cmd Cmd

var rootCmd = &cobra.Command{
	Use:   "sghdd [operand=value]...",
	Short: "Multi-threaded SCSI generic block copier",
	Long: `sghdd copies blocks between a source and up to two destinations where at
least one endpoint is a SCSI generic (sg) character device, issuing READ and
WRITE commands from a pool of workers. When both ends are sg devices the
payload can stay inside a single kernel buffer shared between the read and
the write command.

Operands follow the dd convention (name=value); "-" means stdin/stdout and
"." the null sink. The destination defaults to the null sink.`,
	Example: `  sghdd if=/dev/sg2 of=/dev/sg3 bs=512 thr=4 iflag=v4 oflag=v4
  sghdd if=backup.img of=/dev/sg3 bs=4096 count=1048576 time=1
  sghdd if=/dev/sg2 of=. bs=512 deb=2`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(rawCmd *cobra.Command, args []string) error {
		code, err := run(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		}
		if code != 0 {
			os.Exit(code)
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ProfilePath, "profile", "p", "", "YAML file with operand defaults")
	rootCmd.Flags().BoolVar(&cmd.DryRun, "dry-run", false, "resolve and print the transfer plan, do not copy")
	rootCmd.Flags().BoolVarP(&cmd.Verbose, "verbose", "v", false, "increase verbosity")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(int(scsi.CatSyntax))
	}
}

func exitCode(err error) int {
	var cerr *scsi.CategorizedError
	if errors.As(err, &cerr) {
		return int(cerr.Cat)
	}
	if errors.Is(err, config.ErrSyntax) {
		return int(scsi.CatSyntax)
	}
	return int(scsi.CatOther)
}

func run(operands []string) (int, error) {
	opts := config.DefaultOptions()
	if cmd.ProfilePath != "" {
		if err := config.LoadProfile(opts, cmd.ProfilePath); err != nil {
			return int(scsi.CatSyntax), err
		}
	}
	if err := config.Parse(opts, operands); err != nil {
		return int(scsi.CatSyntax), err
	}
	if cmd.Verbose && opts.Verbose == 0 {
		opts.Verbose = 1
	}
	if err := opts.Finish(); err != nil {
		return int(scsi.CatSyntax), err
	}

	log, _, err := logging.Init(logging.LevelForVerbosity(opts.Verbose))
	if err != nil {
		return int(scsi.CatOther), err
	}
	defer log.Sync()

	cp, err := copier.New(opts, log)
	if err != nil {
		return exitCode(err), err
	}

	if cmd.DryRun {
		fmt.Print(cp.Plan())
		cp.Close()
		return 0, nil
	}

	cat, err := cp.Run(context.Background())
	if err != nil {
		return exitCode(err), err
	}
	if cat != scsi.CatClean {
		return int(cat), fmt.Errorf("copy incomplete: %s", cat)
	}
	return 0, nil
}
