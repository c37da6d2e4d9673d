// TVM loader: multi-architecture boot pipeline harness
//
// This is the dry-run entry point for the TVM boot pipeline. It runs the
// full load sequence against a simulated platform: the memory map is
// normalized, the image is parsed and placed, the boot-information block is
// assembled, and the transition structures are built. The resulting layout
// is printed and the run stops short of the irreversible platform handoff.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/JarlEvanson/tvm/internal/types"
	"github.com/JarlEvanson/tvm/pkg/arch/x8664"
	"github.com/JarlEvanson/tvm/pkg/bootinfo"
	"github.com/JarlEvanson/tvm/pkg/loader"
	"github.com/JarlEvanson/tvm/pkg/memmap"
	"github.com/JarlEvanson/tvm/pkg/platform"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	imagePath   = flag.String("image", "", "Path to the ELF image to load")
	cmdline     = flag.String("cmdline", "", "Command line passed to the image")
	modules     = flag.String("modules", "", "Comma-separated name=path module payloads")
	memoryMiB   = flag.Uint64("memory", 64, "Usable memory in MiB for the simulated platform")
	memoryBase  = flag.Uint64("memory-base", 0x100000, "Physical base of the usable region")
	noNX        = flag.Bool("no-nx", false, "Build page tables without the execute-disable bit")
	verbose     = flag.Bool("verbose", false, "Log every pipeline stage")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("tvm-loader %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}
	if *imagePath == "" {
		log.Fatal("missing required -image flag")
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting tvm-loader %s", Version)

	image, err := os.ReadFile(*imagePath)
	if err != nil {
		log.Fatalf("Failed to read image: %v", err)
	}

	sim := platform.NewSimPlatform([]memmap.Region{
		{Base: 0, Pages: 160, Kind: memmap.KindReserved}, // low memory hole
		{Base: memmap.PageSize * 160, Pages: 96, Kind: memmap.KindFirmwareRuntime},
		{Base: types.PhysAddr(*memoryBase), Pages: *memoryMiB * 256, Kind: memmap.KindUsable},
	})
	sim.RegisterImage("kernel", image)

	opts := loader.Options{
		ImageSelector: "kernel",
		CommandLine:   *cmdline,
		DryRun:        true,
	}
	if *verbose {
		opts.Log = log.Default()
	}

	if *modules != "" {
		for _, spec := range strings.Split(*modules, ",") {
			name, path, ok := strings.Cut(spec, "=")
			if !ok {
				log.Fatalf("Bad module spec %q, want name=path", spec)
			}
			payload, err := os.ReadFile(path)
			if err != nil {
				log.Fatalf("Failed to read module %q: %v", name, err)
			}
			sim.RegisterImage(name, payload)
			opts.Modules = append(opts.Modules, name)
		}
	}

	report, err := loader.New(sim, x8664.NewProfile(!*noNX)).Load(opts)
	if err != nil {
		log.Fatalf("Load failed: %v", err)
	}

	printReport(report)
}

func printReport(r *loader.Report) {
	fmt.Printf("entry %s, slide %#x\n", r.Entry, r.Slide)
	fmt.Println("placements:")
	for _, p := range r.Placements {
		fmt.Printf("  segment %d: %s -> %s, %d pages, %s, digest %s\n",
			p.Index, p.Virt, p.Phys, p.Pages, p.Prot, p.Digest.Short())
	}

	fmt.Printf("boot info: %d bytes at %s\n", len(r.Block), r.BlockBase)
	if tok, err := bootinfo.Token(r.Block); err == nil {
		fmt.Printf("  integrity token %s\n", tok)
	}
	fmt.Printf("arena: %s, %d pages\n", r.ArenaBase, r.ArenaPages)
	fmt.Printf("trampoline: %s\n", r.Trampoline)
	fmt.Printf("descriptors: %s, %d bytes\n", r.Frame.Descriptors.Base, r.Frame.Descriptors.Len)

	fmt.Println("final memory map:")
	for _, region := range r.Map.Regions() {
		fmt.Printf("  %s\n", region)
	}
	fmt.Printf("usable after load: %d bytes\n", r.Map.UsableBytes())
}
