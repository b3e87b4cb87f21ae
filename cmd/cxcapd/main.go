package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	sysctl "github.com/lorenzosaino/go-sysctl"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cxsdr/cxsdr"
	"github.com/cxsdr/cxsdr/cx2388x"
	"github.com/cxsdr/cxsdr/internal/capturedb"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		err2 := os.MkdirAll(dir, 0775)
		if err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("Verbose", false)
	viper.SetDefault("Sim", false)
	viper.SetDefault("Device", 0)
	viper.SetDefault("Rate", int(cx2388x.Rate8FscU8))
	viper.SetDefault("Input", 0)
	viper.SetDefault("Gain", 0)
	viper.SetDefault("PageCount", cx2388x.DefaultPageCount)
	viper.SetDefault("ChunkBytes", 1<<16)
	viper.SetDefault("NoDB", false)

	HOME, err := os.UserHomeDir()
	if err != nil { // Handle errors reading the config file
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotCxsdr := filepath.Join(HOME, ".cxsdr")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotCxsdr, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/cxsdr"))
	viper.AddConfigPath(dotCxsdr)
	viper.AddConfigPath(".")
	err = viper.ReadInConfig() // Find and read the config file
	if err != nil {            // Handle errors reading the config file
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

// checkShmLimits warns when the kernel's shared-memory limits cannot hold
// the capture ring, before the allocator discovers it one page at a time.
func checkShmLimits(ringBytes int64, pageSize int) {
	shmmax, err := sysctl.Get("kernel.shmmax")
	if err != nil {
		cxsdr.ProblemLogger.Printf("could not read kernel.shmmax: %v", err)
		return
	}
	if limit, err := strconv.ParseInt(shmmax, 10, 64); err == nil && limit < int64(pageSize) {
		fmt.Printf("WARNING: kernel.shmmax=%d is below the page size %d;\n", limit, pageSize)
		fmt.Printf("         run: sysctl -w kernel.shmmax=%d\n", pageSize)
	}
	shmall, err := sysctl.Get("kernel.shmall")
	if err != nil {
		cxsdr.ProblemLogger.Printf("could not read kernel.shmall: %v", err)
		return
	}
	sysPage := int64(os.Getpagesize())
	if all, err := strconv.ParseInt(shmall, 10, 64); err == nil && all*sysPage < ringBytes {
		fmt.Printf("WARNING: kernel.shmall=%d pages cannot hold the %d-byte capture ring;\n", all, ringBytes)
		fmt.Printf("         run: sysctl -w kernel.shmall=%d\n", (ringBytes+sysPage-1)/sysPage)
	}
}

// openSource builds the configured capture source: either the simulator or
// the first requested hardware card, with its ring in shared memory.
func openSource() (cxsdr.DataSource, *cxsdr.CaptureSource, error) {
	cfg := cx2388x.Config{
		PageCount: viper.GetInt("PageCount"),
		Gain:      uint32(viper.GetInt("Gain")),
		Input:     uint32(viper.GetInt("Input")),
		Rate:      cx2388x.Rate(viper.GetInt("Rate")),
	}

	if viper.GetBool("Sim") {
		ss, err := cxsdr.NewSimSource(cfg.PageCount, time.Millisecond)
		if err != nil {
			return nil, nil, err
		}
		return ss, ss.CaptureSource, nil
	}

	devnum := viper.GetInt("Device")
	devices, err := cx2388x.EnumerateDevices()
	if err != nil {
		return nil, nil, err
	}
	found := false
	for _, d := range devices {
		if d == devnum {
			found = true
		}
	}
	if !found {
		return nil, nil, fmt.Errorf("device %d not present (found %v)", devnum, devices)
	}

	mmio, err := cx2388x.OpenMMIODevice(devnum)
	if err != nil {
		return nil, nil, err
	}
	checkShmLimits(int64(cfg.PageCount)*int64(cx2388x.DefaultPageSize), cx2388x.DefaultPageSize)
	alloc := &cx2388x.ShmAllocator{Prefix: fmt.Sprintf("cxsdr%d_page", devnum)}
	device, err := cx2388x.Setup(mmio, alloc, cfg)
	if err != nil {
		mmio.Close()
		return nil, nil, err
	}
	cs := cxsdr.NewCaptureSource(mmio.String(), device)
	return cs, cs, nil
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	cxsdr.Build.Date = buildDate
	cxsdr.Build.Githash = githash
	cxsdr.Build.Summary = fmt.Sprintf("CXSDR version %s (git commit %s of %s)", cxsdr.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		cxsdr.Build.Host = host
	} else {
		cxsdr.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is CXSDR version %s\n", cxsdr.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is CXSDR version %s (git commit %s)\n", cxsdr.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems to a rotating log file.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".cxsdr", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	cxsdr.ProblemLogger = startLogger(problemname)
	fmt.Printf("Logging problems to %s\n\n", problemname)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}

	source, cs, err := openSource()
	if err != nil {
		log.Fatalf("could not open capture source: %v", err)
	}
	devID := cxsdr.ActiveDevices.Add(cs.Device())
	defer cxsdr.ActiveDevices.Remove(devID)

	abort := make(chan struct{})
	var db *capturedb.Connection
	if viper.GetBool("NoDB") {
		db = capturedb.Dummy()
	} else {
		db = capturedb.Start(&capturedb.ActivityMessage{
			ID:        ulid.Make().String(),
			Hostname:  cxsdr.Build.Host,
			Githash:   githash,
			Version:   cxsdr.Build.Version,
			GoVersion: runtime.Version(),
			Start:     cxsdr.StartTime,
		}, abort)
	}

	chunkBytes := viper.GetInt("ChunkBytes")
	chunks, err := source.StartRun(chunkBytes)
	if err != nil {
		log.Fatalf("could not start capture run: %v", err)
	}

	devcfg := cs.Device().Config()
	runEntry := &capturedb.CaptureRunMessage{
		ID:         cs.RunID(),
		DaemonID:   cxsdr.Build.Host,
		Source:     source.Name(),
		Rate:       devcfg.Rate.String(),
		Input:      int(devcfg.Input),
		Gain:       int(devcfg.Gain),
		PageCount:  devcfg.PageCount,
		PageSize:   devcfg.PageSize,
		ChunkBytes: chunkBytes,
		Start:      time.Now(),
	}
	db.RecordCaptureRun(runEntry)

	go func() {
		if err := cxsdr.PublishChunks(chunks, abort, cxsdr.Ports.Chunks); err != nil {
			cxsdr.ProblemLogger.Printf("chunk publisher failed: %v", err)
		}
	}()

	updates := make(chan cxsdr.StatusUpdate)
	go func() {
		if err := cxsdr.RunStatusPublisher(updates, abort, cxsdr.Ports.Status); err != nil {
			cxsdr.ProblemLogger.Printf("status publisher failed: %v", err)
		}
	}()
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-abort:
				return
			case <-ticker.C:
				update, err := cxsdr.StatusUpdateFor(cs)
				if err != nil {
					continue
				}
				select {
				case updates <- update:
				case <-abort:
					return
				}
			}
		}
	}()

	fmt.Printf("Capturing from %s, publishing chunks on port %d, status on port %d.\n",
		source.Name(), cxsdr.Ports.Chunks, cxsdr.Ports.Status)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	fmt.Println("\nShutting down.")

	if err := source.Stop(); err != nil {
		cxsdr.ProblemLogger.Printf("error stopping source: %v", err)
	}
	db.FinishCaptureRun(runEntry)
	close(abort)
	db.Wait()
	if err := cs.Device().Teardown(); err != nil {
		cxsdr.ProblemLogger.Printf("error tearing down device: %v", err)
	}
	writeMemoryProfile(memprofile)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close() // error handling omitted for example
	runtime.GC()    // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
