package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wfunc/casefile/persistence"
	"github.com/wfunc/casefile/seed"
	"github.com/wfunc/casefile/services"
)

var seedFlags struct {
	file    string
	noStart bool
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load users, cases and evidence from a YAML fixture",
	RunE:  runSeed,
}

func init() {
	f := seedCmd.Flags()
	f.StringVarP(&seedFlags.file, "file", "f", "fixtures/demo.yaml", "Fixture file")
	f.BoolVar(&seedFlags.noStart, "no-start", false, "Create cases without starting them for their client")
}

func runSeed(cmd *cobra.Command, _ []string) error {
	fx, err := seed.LoadFile(seedFlags.file)
	if err != nil {
		return err
	}

	store, err := persistence.NewGormPostgreSQL(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	var starter seed.Starter
	if !seedFlags.noStart {
		starter = services.NewCaseService(store)
	}
	res, err := seed.Apply(cmd.Context(), store, starter, fx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d users and %d cases (%d started) from %s\n",
		res.Users, res.Cases, res.Started, seedFlags.file)
	return nil
}
