package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	wayland "github.com/stanluk/wayland-client"
)

var globalsCmd = &cobra.Command{
	Use:   "globals",
	Short: "List the globals announced by the compositor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return forEachDisplay(cmd.Context(), func(conn *wayland.Connection, q *wayland.Queue) error {
			globals, err := listGlobals(q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s:\n", conn.Name())
			for _, g := range globals {
				fmt.Fprintf(out, "  %4d  %-40s v%d\n", g.name, g.iface, g.version)
			}
			return nil
		})
	},
}

type global struct {
	name    uint32
	iface   string
	version uint32
}

func listGlobals(q *wayland.Queue) ([]global, error) {
	reg, err := q.Display().GetRegistry()
	if err != nil {
		return nil, err
	}
	defer reg.Destroy()
	var globals []global
	err = q.Scope(func(s *wayland.Scope) error {
		s.SetEventHandler(reg.Proxy, wayland.RegistryHandler{
			Global: func(_ *wayland.Registry, name uint32, iface string, version uint32) {
				globals = append(globals, global{name, iface, version})
			},
		})
		return q.Roundtrip()
	})
	sort.Slice(globals, func(i, j int) bool { return globals[i].name < globals[j].name })
	return globals, err
}
