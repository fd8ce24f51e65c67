package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/tinyrange/hvemu/internal/config"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hvprobe: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "YAML configuration file")
	tscKHz := fs.Uint64("tsc-khz", 0, "Override the host TSC frequency in kHz")
	cpus := fs.Int("cpus", 0, "Number of vCPUs (default: from config)")
	memoryMB := fs.Uint64("memory", 0, "Guest memory in MB (default: from config)")
	protect := fs.Bool("protect", false, "Keep guest memory read-only to the host outside access windows")
	format := fs.String("format", "", "Output format: table or yaml (default: table on a terminal)")
	debug := fs.Bool("debug", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `hvprobe - exercise the Hyper-V enlightenments as a guest would

Usage:
  hvprobe [flags]

Flags:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *tscKHz != 0 {
		cfg.HyperV.TSCKHz = *tscKHz
	}
	if *cpus != 0 {
		cfg.VM.CPUs = *cpus
	}
	if *memoryMB != 0 {
		cfg.VM.MemoryMB = *memoryMB
	}
	if *protect {
		cfg.HyperV.ProtectGuestMemory = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	p, err := newProber(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	slog.Info("hvprobe: starting", "cpus", cfg.VM.CPUs, "memory_mb", cfg.VM.MemoryMB, "protect", cfg.HyperV.ProtectGuestMemory)

	rep, err := p.run()
	if err != nil {
		return err
	}

	if *format == "" {
		*format = "yaml"
		if term.IsTerminal(int(os.Stdout.Fd())) {
			*format = "table"
		}
	}
	if err := writeReport(os.Stdout, rep, *format); err != nil {
		return err
	}

	if n := rep.Failed(); n > 0 {
		return fmt.Errorf("%d of %d checks failed", n, len(rep.Steps))
	}
	return nil
}

func writeReport(w io.Writer, rep *report, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rep); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		return enc.Close()
	case "table":
		return writeTable(w, rep)
	default:
		return errors.New("unknown output format " + format)
	}
}

func writeTable(w io.Writer, rep *report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "TSC\t%d kHz (offset %d)\n", rep.Host.TSCKHz, rep.Host.TSCOffset)
	fmt.Fprintf(tw, "Memory\t%d MB (protected=%t)\n", rep.Host.MemoryMB, rep.Host.Protected)
	fmt.Fprintf(tw, "Config\t%s\n\n", rep.Host.Config)

	fmt.Fprintln(tw, "LEAF\tEAX\tEBX\tECX\tEDX")
	for _, row := range rep.CPUID {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", row.Leaf, row.EAX, row.EBX, row.ECX, row.EDX)
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "CHECK\tRESULT\tDETAIL")
	for _, s := range rep.Steps {
		result := "ok"
		if !s.OK {
			result = "FAIL"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, result, s.Detail)
	}
	return tw.Flush()
}
