// Command likestat renders the text kheap.Stats produces (the same
// bytes a booted kernel serves at /dev/stat and hands back from the
// memstats debug syscall) as a formatted table: a host-side
// counterpart to a shell catting /dev/stat directly, for a developer
// who wants the slab table without a serial console in front of them.
package main

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// mountConfig names the host path likestat should read a memstats
// snapshot from, in lieu of a --source flag: a developer scripting
// routine polls typically keeps this checked in next to the image
// they're inspecting rather than repeating the path on every
// invocation.
type mountConfig struct {
	Source string `yaml:"source"`
}

func loadMountConfig(path string) (mountConfig, error) {
	var cfg mountConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("likestat: parse %s: %w", path, err)
	}
	return cfg, nil
}

// statLine is one decoded "class NNNN: N slabs" row from kheap.Stats'
// output.
type statLine struct {
	size  uint64
	slabs uint64
}

var statLineRe = regexp.MustCompile(`^class\s+(\d+):\s+(\d+)\s+slabs$`)

// parseStats decodes kheap.Stats' exact rendered format: one
// "class %4d: %d slabs\n" line per size class, in class order, with
// no header or trailing summary line. A line that doesn't match is
// skipped rather than treated as fatal, since a future size class or
// a differently-padded width shouldn't break an older likestat build.
func parseStats(r *bufio.Scanner) ([]statLine, error) {
	var lines []statLine
	for r.Scan() {
		m := statLineRe.FindStringSubmatch(r.Text())
		if m == nil {
			continue
		}
		size, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return nil, err
		}
		slabs, err := strconv.ParseUint(m[2], 10, 64)
		if err != nil {
			return nil, err
		}
		lines = append(lines, statLine{size: size, slabs: slabs})
	}
	return lines, r.Err()
}

// humanize renders n bytes with an automatically chosen unit, the
// same base-1024 scaling ja7ad/consumption's types.Bytes.Humanized
// uses for its own per-process byte counters.
func humanize(n uint64) string {
	const unit = 1024
	v := float64(n)
	switch {
	case n >= 1<<40:
		return fmt.Sprintf("%.2f TB", v/(1<<40))
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GB", v/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MB", v/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KB", v/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func printTable(w *tabwriter.Writer, lines []statLine) {
	fmt.Fprintln(w, "CLASS\tSLABS\tBYTES")
	var total uint64
	for _, l := range lines {
		used := l.size * l.slabs
		total += used
		fmt.Fprintf(w, "%d\t%d\t%s\n", l.size, l.slabs, humanize(used))
	}
	fmt.Fprintf(w, "total\t\t%s\n", humanize(total))
}

func run(source, configPath string) error {
	if configPath != "" {
		cfg, err := loadMountConfig(configPath)
		if err != nil {
			return err
		}
		if cfg.Source != "" {
			source = cfg.Source
		}
	}
	if source == "" {
		return fmt.Errorf("likestat: no source given (pass --source or --config)")
	}

	f, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("likestat: %w", err)
	}
	defer f.Close()

	lines, err := parseStats(bufio.NewScanner(f))
	if err != nil {
		return fmt.Errorf("likestat: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	printTable(w, lines)
	return w.Flush()
}

func main() {
	var source, configPath string

	root := &cobra.Command{
		Use:   "likestat",
		Short: "Render a kernel heap slab-occupancy snapshot as a table",
		Long: `likestat reads the plain text kheap.Stats renders — the same bytes a
booted kernel exposes at /dev/stat and returns from the memstats debug
syscall — and prints it as a slab-occupancy table with a humanized
byte total per size class.

The snapshot can be read straight from a file (--source), such as a
copy of /dev/stat pulled off a running instance, or from a mount-point
descriptor (--config) naming where that snapshot lives.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(source, configPath)
		},
	}

	root.Flags().StringVarP(&source, "source", "s", "", "path to a captured memstats or /dev/stat snapshot")
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML mount-point descriptor naming the snapshot source")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
