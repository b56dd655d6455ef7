// cuvm-stress allocates, verifies and frees chunked device-memory segments
// on every selected GPU, timing the map/unmap protocol. It is the demo caller
// for package cuvm: it owns device selection, sizing and verification, and
// drives the allocator's primitives. Run with --sim to exercise everything
// against the simulated driver, no GPU required.
package main

import (
	"flag"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)

	flags := &stressFlags{}
	cmd := &cobra.Command{
		Use:   "cuvm-stress",
		Short: "Stress and time the chunked GPU virtual-memory allocator",
		Long: `cuvm-stress reserves a virtual address range per device, backs it with
physical memory in chunks, verifies host<->device copies across the first
chunk boundary, and tears everything down again, reporting per-device
timings.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(flags)
		},
	}
	cmd.Flags().StringVar(&flags.size, "size", "1GiB", "memory to allocate per device (accepts KiB/MiB/GiB/TiB suffixes)")
	cmd.Flags().StringVar(&flags.chunk, "chunk", "128MiB", "nominal chunk size")
	cmd.Flags().StringVar(&flags.devices, "devices", "all", `devices to use: "all" or a comma-separated list of ordinals`)
	cmd.Flags().BoolVar(&flags.verify, "verify", true, "write and read back a pattern across the first chunk boundary")
	cmd.Flags().IntVar(&flags.repeat, "repeat", 1, "allocate/free cycles per device")
	cmd.Flags().StringVar(&flags.topology, "topology", "", "YAML topology file (default: discover from sysfs, falling back to the built-in table)")
	cmd.Flags().BoolVar(&flags.sim, "sim", false, "run against the simulated driver instead of real hardware")
	cmd.Flags().IntVar(&flags.simDevices, "sim-devices", 2, "number of simulated devices (with --sim)")
	cmd.Flags().StringVar(&flags.simMem, "sim-mem", "16GiB", "memory per simulated device (with --sim)")
	cmd.Flags().BoolVar(&flags.leakStacks, "leak-stacks", false, "record segment creation stacks for leak reports")
	cmd.Flags().AddGoFlagSet(klogFlags)

	if err := cmd.Execute(); err != nil {
		klog.Exitf("cuvm-stress failed: %v", err)
	}
}
