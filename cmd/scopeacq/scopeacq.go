package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"github.com/usnistgov/scopeacq"
	"github.com/usnistgov/scopeacq/internal/acqdb"
	"gopkg.in/natefinch/lumberjack.v2"
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

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	fullname := path.Join(dir, filename)
	if _, err := os.Stat(fullname); os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets the acquisition defaults.
func setupViper(configdir string) error {
	scopeacq.SetDefaults()

	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(configdir, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/scopeacq"))
	viper.AddConfigPath(configdir)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
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

// openDevice returns the device named by the configuration. Only the
// simulated device is built into this program.
func openDevice(cfg *scopeacq.AcquisitionConfig, simulate bool) (scopeacq.AcquisitionDevice, error) {
	family, err := scopeacq.ParseFamily(cfg.Family)
	if err != nil {
		return nil, err
	}
	if !simulate {
		return nil, fmt.Errorf("no %v driver binding is built in; run with -simulate", family)
	}
	return scopeacq.NewSimulatedDevice(family), nil
}

func runBlock(ctx context.Context, s *scopeacq.Session, cfg *scopeacq.AcquisitionConfig) error {
	ratioMode, err := scopeacq.ParseRatioMode(cfg.RatioMode)
	if err != nil {
		return err
	}
	dt, err := scopeacq.ParseDataType(cfg.DataType)
	if err != nil {
		return err
	}
	unit, err := scopeacq.ParseTimeUnit(cfg.IntervalUnit)
	if err != nil {
		return err
	}
	timebase, actual, err := s.NearestInterval(cfg.Interval * unit.Seconds())
	if err != nil {
		return err
	}
	fmt.Printf("Timebase %d gives a sample interval of %.4g s\n", timebase, actual)

	block := scopeacq.BlockConfig{
		Samples:        cfg.Samples,
		PretrigPercent: cfg.PretrigPercent,
		Timebase:       timebase,
		DataType:       dt,
		Ratio:          cfg.Ratio,
		Mode:           ratioMode,
		PollInterval:   cfg.PollInterval,
	}
	var capture *scopeacq.BlockCapture
	if cfg.Mode == "rapid" {
		if _, err := s.SetMemorySegments(cfg.Captures); err != nil {
			return err
		}
		capture, err = s.NewRapidBlockCapture(block, cfg.Captures)
	} else {
		capture, err = s.NewBlockCapture(block)
	}
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, cfg.ReadyTimeout)
	defer cancel()
	segments, err := capture.Capture(waitCtx)
	if err != nil {
		return err
	}
	for _, seg := range segments {
		fmt.Printf("Segment %d: %d samples, over range on %v\n", seg.Index, seg.Returned, seg.Overflow)
	}
	if len(segments) > 1 {
		report, err := capture.Timing(cfg.CounterMask, scopeacq.Nanoseconds)
		if err != nil {
			return err
		}
		fmt.Printf("Dead time %.4g s (std %.3g s), trigger jitter %.3g ns\n",
			report.DeadTimeMean, report.DeadTimeStd, report.OffsetJitter)
	}
	return capture.Reset()
}

func runStreaming(ctx context.Context, s *scopeacq.Session, cfg *scopeacq.AcquisitionConfig) error {
	ratioMode, err := scopeacq.ParseRatioMode(cfg.RatioMode)
	if err != nil {
		return err
	}
	dt, err := scopeacq.ParseDataType(cfg.DataType)
	if err != nil {
		return err
	}
	unit, err := scopeacq.ParseTimeUnit(cfg.IntervalUnit)
	if err != nil {
		return err
	}
	ss, err := s.NewStreamingSession(scopeacq.StreamConfig{
		Interval:      cfg.Interval,
		Unit:          unit,
		BufferSamples: cfg.Samples,
		Ratio:         cfg.Ratio,
		Mode:          ratioMode,
		DataType:      dt,
		PollInterval:  cfg.PollInterval,
		MaxRetained:   cfg.MaxRetained,
		QueueCapacity: cfg.QueueCapacity,
	})
	if err != nil {
		return err
	}
	go func() {
		for range ss.Chunks() {
		}
	}()
	err = ss.RunUntil(ctx)
	chunks, samples := ss.Dropped()
	fmt.Printf("Streamed %d samples per channel with %d buffer rotations; dropped %d chunks (%d samples)\n",
		ss.Total(), ss.Rotations(), chunks, samples)
	return err
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	scopeacq.Build.Date = buildDate
	scopeacq.Build.Githash = githash
	scopeacq.Build.Gitdate = gitdate
	scopeacq.Build.Summary = fmt.Sprintf("scopeacq version %s (git commit %s of %s)", scopeacq.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		scopeacq.Build.Host = host
	} else {
		scopeacq.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	verbose := flag.Bool("verbose", false, "dump session state to the problem log on faults")
	simulate := flag.Bool("simulate", true, "acquire from the simulated device")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is scopeacq version %s\n", scopeacq.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is scopeacq version %s (git commit %s)\n", scopeacq.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	dotScopeacq := filepath.Join(HOME, ".scopeacq")
	logdir := filepath.Join(dotScopeacq, "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	scopeacq.ProblemLogger = startLogger(problemname)
	scopeacq.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging session events to %s\n\n", logname)
	scopeacq.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(dotScopeacq); err != nil {
		panic(err)
	}
	scopeacq.Verbose = *verbose || viper.GetBool("Verbose")
	cfg, err := scopeacq.ReadAcquisitionConfig()
	if err != nil {
		log.Fatal(err)
	}

	if err := run(&cfg, *simulate); err != nil {
		scopeacq.ProblemLogger.Println(err)
		log.Println("ERROR: ", err)
	}
	writeMemoryProfile(memprofile)
}

func run(cfg *scopeacq.AcquisitionConfig, simulate bool) error {
	dev, err := openDevice(cfg, simulate)
	if err != nil {
		return err
	}
	// The session must close before abort stops the recorder.
	abort := make(chan struct{})
	defer close(abort)
	s, err := scopeacq.OpenSession(dev, cfg.Serial, scopeacq.Resolution(cfg.Resolution))
	if err != nil {
		return err
	}
	defer s.Close()

	updates := make(chan scopeacq.ClientUpdate, cfg.QueueCapacity)
	go func() {
		if err := scopeacq.RunClientUpdater(updates, viper.GetInt("publish.port"), abort); err != nil {
			scopeacq.ProblemLogger.Println("Client updater stopped:", err)
		}
	}()
	s.SetUpdater(updates)

	if viper.GetBool("db.enabled") {
		db := acqdb.StartConnection(viper.GetString("db.addr"), acqdb.NewActivity(s.ID), abort)
		if !db.IsConnected() {
			scopeacq.ProblemLogger.Printf("Not recording to the database: %v", db.Err())
		}
		s.SetRecorder(db)
	}

	channels, err := cfg.ChannelConfigs()
	if err != nil {
		return err
	}
	if err := s.ConfigureChannels(channels); err != nil {
		return err
	}

	// Trap interrupts so we can cleanly stop the device
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	start := time.Now()
	switch cfg.Mode {
	case "block", "rapid":
		err = runBlock(ctx, s, cfg)
	case "streaming":
		err = runStreaming(ctx, s, cfg)
	default:
		err = fmt.Errorf("unknown acquisition mode %q", cfg.Mode)
	}
	scopeacq.UpdateLogger.Printf("Acquisition finished after %v", time.Since(start))
	return err
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
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
