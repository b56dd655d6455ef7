package main

import (
	"crypto/rand"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/growmem/gocuvm/cuvm"
	"github.com/growmem/gocuvm/cuvm/cudriver"
	"github.com/growmem/gocuvm/cuvm/drivertest"
	"github.com/growmem/gocuvm/cuvm/topology"

	"github.com/hashicorp/go-multierror"
	"github.com/janpfeifer/must"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type stressFlags struct {
	size       string
	chunk      string
	devices    string
	verify     bool
	repeat     int
	topology   string
	sim        bool
	simDevices int
	simMem     string
	leakStacks bool
}

type deviceResult struct {
	device    cudriver.Device
	name      string
	requested uint64
	aligned   uint64
	chunks    int
	mapTime   time.Duration
	unmapTime time.Duration
	err       error
}

func runStress(flags *stressFlags) error {
	size, err := parseSize(flags.size)
	if err != nil {
		return errors.WithMessage(err, "bad --size")
	}
	chunkSize, err := parseSize(flags.chunk)
	if err != nil {
		return errors.WithMessage(err, "bad --chunk")
	}
	if flags.repeat < 1 {
		return errors.Errorf("--repeat must be at least 1, got %d", flags.repeat)
	}

	drv, err := openDriver(flags)
	if err != nil {
		return err
	}
	if err := drv.Init(); err != nil {
		return errors.WithMessage(err, "failed to initialize the driver")
	}
	devices, err := selectDevices(drv, flags.devices)
	if err != nil {
		return err
	}
	table := loadTopology(drv, flags)

	klog.V(1).Infof("stressing %d device(s): %s per device in %s chunks, %d cycle(s)",
		len(devices), formatSize(size), formatSize(chunkSize), flags.repeat)

	results := make([]deviceResult, len(devices))
	var wg sync.WaitGroup
	for ii, dev := range devices {
		wg.Add(1)
		go func(ii int, dev cudriver.Device) {
			defer wg.Done()
			results[ii] = stressDevice(drv, dev, table, size, chunkSize, flags)
		}(ii, dev)
	}
	wg.Wait()

	printResults(results)

	var merr *multierror.Error
	for _, result := range results {
		if result.err != nil {
			merr = multierror.Append(merr, errors.WithMessagef(result.err, "device %d", result.device))
		}
	}
	return merr.ErrorOrNil()
}

func openDriver(flags *stressFlags) (cudriver.Driver, error) {
	if flags.sim {
		simMem := must.M1(parseSize(flags.simMem))
		klog.V(1).Infof("using the simulated driver: %d device(s), %s each", flags.simDevices, formatSize(simMem))
		return drivertest.New(flags.simDevices, simMem), nil
	}
	drv, err := cudriver.Open()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load the CUDA driver (try --sim for a dry run)")
	}
	return drv, nil
}

func selectDevices(drv cudriver.Driver, spec string) ([]cudriver.Device, error) {
	count, err := drv.DeviceCount()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to enumerate devices")
	}
	if count == 0 {
		return nil, errors.New("no devices found")
	}
	if spec == "all" || spec == "" {
		devices := make([]cudriver.Device, count)
		for ii := range devices {
			devices[ii] = cudriver.Device(ii)
		}
		return devices, nil
	}
	var devices []cudriver.Device
	for _, field := range strings.Split(spec, ",") {
		ordinal, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, errors.Errorf("bad device ordinal %q in --devices", field)
		}
		if ordinal < 0 || ordinal >= count {
			return nil, errors.Errorf("device %d out of range (have %d devices)", ordinal, count)
		}
		devices = append(devices, cudriver.Device(ordinal))
	}
	return devices, nil
}

// loadTopology resolves the affinity table: an explicit file wins, then sysfs
// discovery, then the built-in default. Affinity is an optimization, so every
// fallback is just logged.
func loadTopology(drv cudriver.Driver, flags *stressFlags) *topology.Table {
	if flags.topology != "" {
		table, err := topology.Load(flags.topology)
		if err != nil {
			klog.Exitf("failed to load --topology: %v", err)
		}
		return table
	}
	table, err := topology.Discover(drv, "/")
	if err != nil {
		klog.Warningf("topology discovery failed (%v), using the built-in default table", err)
		return topology.Default()
	}
	return table
}

func stressDevice(drv cudriver.Driver, dev cudriver.Device, table *topology.Table,
	size, chunkSize uint64, flags *stressFlags) deviceResult {
	result := deviceResult{device: dev, requested: size}

	result.name, result.err = drv.DeviceName(dev)
	if result.err != nil {
		return result
	}
	if total, err := drv.DeviceTotalMem(dev); err == nil && size > total {
		result.err = errors.Errorf("requested %s but the device only has %s",
			formatSize(size), formatSize(total))
		return result
	}

	options := []cuvm.Option{cuvm.WithChunkSize(chunkSize), cuvm.WithTopology(table)}
	if flags.leakStacks {
		options = append(options, cuvm.WithLeakStacks())
	}
	alloc, err := cuvm.New(drv, dev, options...)
	if err != nil {
		result.err = err
		return result
	}
	result.aligned = alloc.AlignUp(size)
	result.chunks = len(alloc.ChunkSizes(size))

	for cycle := 0; cycle < flags.repeat; cycle++ {
		start := time.Now()
		seg, err := alloc.Alloc(size)
		mapTime := time.Since(start)
		if err != nil {
			if seg != nil {
				// No rollback in the allocator: free the leftover
				// reservation before reporting.
				if freeErr := alloc.Free(seg); freeErr != nil {
					klog.Errorf("cleanup of the failed allocation on device %d also failed: %v", dev, freeErr)
				}
			}
			result.err = err
			return result
		}

		if flags.verify {
			if err := verifySegment(drv, seg); err != nil {
				result.err = err
				return result
			}
		}

		start = time.Now()
		err = alloc.Free(seg)
		unmapTime := time.Since(start)
		if err != nil {
			result.err = err
			return result
		}
		// Report the last cycle's timings.
		result.mapTime, result.unmapTime = mapTime, unmapTime
		klog.V(1).Infof("device %d cycle %d: mapped %s in %v, freed in %v",
			dev, cycle, formatSize(result.aligned), mapTime, unmapTime)
	}
	return result
}

// verifySegment writes a random pattern spanning the first chunk boundary
// (or the whole first MiB for single-chunk segments), reads it back and
// compares byte for byte. A mismatch means chunk offsets or contiguity are
// broken.
func verifySegment(drv cudriver.Driver, seg *cuvm.Segment) error {
	span := uint64(1024 * 1024)
	if span > seg.AlignedSize() {
		span = seg.AlignedSize()
	}
	writeAt := seg.Base()
	if chunkSizes := seg.ChunkSizes(); len(chunkSizes) > 1 {
		// Center the span on the first chunk boundary.
		boundary := seg.Base() + cudriver.DevicePtr(chunkSizes[0])
		writeAt = boundary - cudriver.DevicePtr(span/2)
	}

	pattern := make([]byte, span)
	must.M1(rand.Read(pattern))
	if err := drv.MemcpyHtoD(writeAt, pattern); err != nil {
		return errors.WithMessage(err, "host->device copy failed")
	}
	readBack := make([]byte, span)
	if err := drv.MemcpyDtoH(readBack, writeAt); err != nil {
		return errors.WithMessage(err, "device->host copy failed")
	}
	for ii := range pattern {
		if pattern[ii] != readBack[ii] {
			return errors.Errorf("verification mismatch at offset %d of the span at %#x: wrote %#02x, read %#02x",
				ii, uint64(writeAt), pattern[ii], readBack[ii])
		}
	}
	klog.V(2).Infof("verified %s across [%#x, %#x)", formatSize(span), uint64(writeAt), uint64(writeAt)+span)
	return nil
}

func printResults(results []deviceResult) {
	table := tablewriter.NewTable(os.Stdout)
	table.Header([]string{"Device", "Name", "Requested", "Aligned", "Chunks", "Map", "Unmap", "Map BW", "Status"})
	for _, result := range results {
		status := "OK"
		if result.err != nil {
			status = "FAILED: " + result.err.Error()
		}
		table.Append([]string{
			strconv.Itoa(int(result.device)),
			result.name,
			formatSize(result.requested),
			formatSize(result.aligned),
			strconv.Itoa(result.chunks),
			result.mapTime.Round(time.Microsecond).String(),
			result.unmapTime.Round(time.Microsecond).String(),
			bandwidth(result.aligned, result.mapTime),
			status,
		})
	}
	table.Render()
}

func bandwidth(bytes uint64, d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return formatSize(uint64(float64(bytes)/d.Seconds())) + "/s"
}

var sizeSuffixes = map[string]uint64{
	"":    1,
	"b":   1,
	"kib": 1 << 10,
	"kb":  1 << 10,
	"k":   1 << 10,
	"mib": 1 << 20,
	"mb":  1 << 20,
	"m":   1 << 20,
	"gib": 1 << 30,
	"gb":  1 << 30,
	"g":   1 << 30,
	"tib": 1 << 40,
	"tb":  1 << 40,
	"t":   1 << 40,
}

// parseSize parses a human-readable byte count such as "200MiB" or "1.5GiB".
func parseSize(s string) (uint64, error) {
	text := strings.TrimSpace(strings.ToLower(s))
	cut := len(text)
	for cut > 0 && (text[cut-1] < '0' || text[cut-1] > '9') && text[cut-1] != '.' {
		cut--
	}
	number, suffix := text[:cut], text[cut:]
	multiplier, ok := sizeSuffixes[strings.TrimSpace(suffix)]
	if !ok {
		return 0, errors.Errorf("unknown size suffix %q in %q", suffix, s)
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(number), 64)
	if err != nil || value < 0 {
		return 0, errors.Errorf("cannot parse size %q", s)
	}
	bytes := uint64(value * float64(multiplier))
	if bytes == 0 {
		return 0, errors.Errorf("size %q must be positive", s)
	}
	return bytes, nil
}

// formatSize renders a byte count in the largest unit that keeps it >= 1.
func formatSize(bytes uint64) string {
	const unit = 1024
	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	size := float64(bytes)
	ii := 0
	for size >= unit && ii < len(units)-1 {
		size /= unit
		ii++
	}
	if ii == 0 {
		return fmt.Sprintf("%d B", bytes)
	}
	return fmt.Sprintf("%.2f %s", size, units[ii])
}
