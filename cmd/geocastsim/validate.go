package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/geocast-simulator/core"
	"github.com/signalsfoundry/geocast-simulator/internal/sim"
)

func newValidateCmd() *cobra.Command {
	var scenarioPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a scenario file without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := loadScenario(scenarioPath)
			if err != nil {
				return err
			}
			s, err := sim.New(sc)
			if err != nil {
				return err
			}
			st := s.Store()
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d nodes, %d regions, %d scheduled messages, generator=%v\n",
				scenarioPath, len(st.ListNodes()), len(st.ListRegions()), len(sc.Messages), sc.Generator != nil)
			return nil
		},
	}
	cmd.Flags().StringVarP(&scenarioPath, "scenario", "s", "configs/scenario.json", "path to the JSON scenario")
	return cmd
}

func loadScenario(path string) (*core.Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario %q: %w", path, err)
	}
	defer f.Close()

	sc, err := core.LoadScenario(f)
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", path, err)
	}
	return sc, nil
}
