package main

import (
	"debug/elf"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/kload/internal/boot/amd64"
	"github.com/tinyrange/kload/internal/config"
	"github.com/tinyrange/kload/internal/firmware"
	"github.com/tinyrange/kload/internal/memmap"
)

type options struct {
	configPath     string
	initConfig     string
	memoryMB       uint64
	relocatePinned bool
	logLevel       string
	progress       string
}

func parseFlags(args []string, stderr io.Writer) (options, []string, error) {
	var o options
	fs := flag.NewFlagSet("kload", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "path to a kload.yaml settings file")
	fs.StringVar(&o.initConfig, "init-config", "", "write the effective settings to this file and exit")
	fs.Uint64Var(&o.memoryMB, "memory", 0, "firmware RAM in MiB (overrides the config file)")
	fs.BoolVar(&o.relocatePinned, "relocate-pinned", false, "let firmware move pinned allocations that collide")
	fs.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn or error")
	fs.StringVar(&o.progress, "progress", "auto", "show a progress bar: auto, always or never")
	fs.Usage = func() {
		fmt.Fprintf(stderr, `kload - place a higher-half x86-64 kernel into firmware memory

USAGE:
  kload [flags] <kernel.elf>

Every PT_LOAD segment is placed at vaddr - %#x. Any failure halts the
boot stage with exit status 1.

FLAGS:
`, amd64.HigherHalfOffset)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return options{}, nil, err
	}
	switch o.progress {
	case "auto", "always", "never":
	default:
		return options{}, nil, fmt.Errorf("invalid -progress value %q", o.progress)
	}
	return o, fs.Args(), nil
}

func (o options) settings() (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if o.memoryMB != 0 {
		cfg.Firmware.MemoryMB = o.memoryMB
	}
	if o.relocatePinned {
		cfg.Firmware.RelocatePinned = true
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (o options) showProgress() bool {
	switch o.progress {
	case "always":
		return true
	case "never":
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func run(args []string, stdout, stderr io.Writer) error {
	opts, rest, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	cfg, err := opts.settings()
	if err != nil {
		return err
	}
	if opts.initConfig != "" {
		if err := config.Write(opts.initConfig, cfg); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote %s\n", opts.initConfig)
		return nil
	}

	if len(rest) != 1 {
		return fmt.Errorf("expected exactly one kernel image, got %d arguments", len(rest))
	}

	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	raw, err := os.ReadFile(rest[0])
	if err != nil {
		return fmt.Errorf("read kernel image: %w", err)
	}

	// Reject a bad image before firmware comes up; the segment count sizes
	// the progress bar.
	img, err := amd64.Validate(raw)
	if err != nil {
		return fmt.Errorf("validate kernel image: %w", err)
	}

	bs, err := firmware.New(cfg.FirmwareConfig(logger))
	if err != nil {
		return fmt.Errorf("start firmware: %w", err)
	}
	defer bs.Close()

	tracker := memmap.NewTracker(logger)
	placer := &amd64.Placer{
		Allocator: bs,
		Memory:    bs,
		Tracker:   tracker,
		Logger:    logger,
	}

	var bar *progressbar.ProgressBar
	if opts.showProgress() && len(img.Segments) > 0 {
		bar = progressbar.NewOptions(len(img.Segments),
			progressbar.OptionSetWriter(stderr),
			progressbar.OptionSetDescription("placing segments"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Close()
	}
	var placements []amd64.Placement
	placer.OnPlaced = func(p amd64.Placement) {
		placements = append(placements, p)
		if bar != nil {
			_ = bar.Add(1)
		}
	}

	entry, err := amd64.Load(raw, placer)
	if err != nil {
		return err
	}
	if bar != nil {
		_ = bar.Finish()
	}

	entryMapped := tracker.Claimed(uint64(entry) - amd64.HigherHalfOffset)
	if !entryMapped {
		logger.Warn("entry point is not inside a placed segment", "entry", entry.String())
	}

	report(stdout, loadReport{
		entry:        entry,
		entryMapped:  entryMapped,
		placements:   placements,
		ramSize:      bs.MemorySize(),
		memoryMap:    bs.MemoryMap(),
		claimed:      tracker.Ranges(),
		claimedPages: tracker.TotalPages(),
	})
	return nil
}

type loadReport struct {
	entry        amd64.EntryPoint
	entryMapped  bool
	placements   []amd64.Placement
	ramSize      uint64
	memoryMap    []firmware.Descriptor
	claimed      []memmap.Range
	claimedPages uint64
}

func report(w io.Writer, r loadReport) {
	backed := "no"
	if r.entryMapped {
		backed = "yes"
	}
	fmt.Fprintf(w, "entry point: %s (backed by a placed segment: %s)\n", r.entry, backed)
	fmt.Fprintf(w, "segments:\n")
	for _, p := range r.placements {
		fmt.Fprintf(w, "  #%-2d %-3s vaddr 0x%016x -> paddr 0x%08x  filesz %#x memsz %#x (%d pages)\n",
			p.Segment.Index, flagString(p.Segment), p.Segment.VirtAddr, p.PhysAddr,
			p.Segment.FileSize, p.Segment.MemSize, p.Pages)
	}
	fmt.Fprintf(w, "firmware memory map (%d MiB RAM):\n", r.ramSize>>20)
	for _, d := range r.memoryMap {
		fmt.Fprintf(w, "  %s\n", d)
	}
	fmt.Fprintf(w, "claimed ranges (%d pages):\n", r.claimedPages)
	for _, c := range r.claimed {
		fmt.Fprintf(w, "  %s\n", c)
	}
}

func flagString(s amd64.Segment) string {
	out := []byte("---")
	if s.Flags&elf.PF_R != 0 {
		out[0] = 'r'
	}
	if s.Flags&elf.PF_W != 0 {
		out[1] = 'w'
	}
	if s.Flags&elf.PF_X != 0 {
		out[2] = 'x'
	}
	return string(out)
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "kload: %v\n", err)
		os.Exit(1)
	}
}
