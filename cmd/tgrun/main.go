// Command tgrun is a thin demonstration CLI over the session package,
// grounded on the teacher's examples/*/demo main.go pattern (a small
// urfave/cli/v3 app whose one subcommand builds or loads a graph,
// drives Load/Run, and prints the fetched outputs) -- it exists so the
// rewriter/planner/executor/provider stack has an exercisable entry
// point outside of the test suite, the same role the teacher's demo
// binaries play for backends/simplego.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/tensorgraph/runtime/dtype"
	"github.com/tensorgraph/runtime/frame"
	"github.com/tensorgraph/runtime/graph"
	"github.com/tensorgraph/runtime/session"
	"github.com/tensorgraph/runtime/tensorshape"
)

func main() {
	app := &cli.Command{
		Name:  "tgrun",
		Usage: "load a small built-in graph and run it against the cpuref reference provider",
		Commands: []*cli.Command{
			absCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func absCmd() *cli.Command {
	var (
		valuesFlag string
		sequential bool
	)
	return &cli.Command{
		Name:  "abs",
		Usage: "run x -> Abs -> y over a comma-separated float list",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "values",
				Aliases:     []string{"x"},
				Usage:       "comma-separated input values",
				Value:       "-1,2,-3",
				Destination: &valuesFlag,
			},
			&cli.BoolFlag{
				Name:        "sequential",
				Usage:       "use the sequential executor instead of the parallel one",
				Destination: &sequential,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			vals, err := parseFloats(valuesFlag)
			if err != nil {
				return err
			}

			opts := []session.Option{session.WithLogID("tgrun")}
			if sequential {
				opts = append(opts, session.WithSequential())
			}
			s := session.New(opts...)

			g := graph.New("tgrun-abs")
			g.AddInput(&graph.ValueDef{Name: "x", Type: tensorshape.Make(dtype.Float32, int64(len(vals)))})
			y := &graph.ValueDef{Name: "y", Type: tensorshape.Make(dtype.Float32, int64(len(vals)))}
			if _, err := g.AddNode(&graph.Node{OpType: "Abs", Inputs: []*graph.ValueDef{{Name: "x"}}, Outputs: []*graph.ValueDef{y}}); err != nil {
				return err
			}
			g.AddOutput(y)

			if err := s.Load(g); err != nil {
				return err
			}

			flat := make([]float32, len(vals))
			for i, v := range vals {
				flat[i] = float32(v)
			}
			feeds := map[string]*frame.Tensor{
				"x": {DType: dtype.Float32, Shape: tensorshape.Make(dtype.Float32, int64(len(vals))), Flat: flat},
			}

			fetches, err := s.Run(feeds, []string{"y"}, session.WithRunTag("tgrun-abs"))
			if err != nil {
				return err
			}
			out, err := fetches["y"].FloatsAt()
			if err != nil {
				return err
			}
			fmt.Println(formatFloats(out))
			return nil
		},
	}
}

func parseFloats(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		var v float64
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%g", &v); err != nil {
			return nil, fmt.Errorf("tgrun: invalid float %q: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}

func formatFloats(vals []float64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return strings.Join(parts, ",")
}
