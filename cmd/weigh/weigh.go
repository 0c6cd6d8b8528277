package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/lodestar-daq/lodestar"
	"github.com/lodestar-daq/lodestar/hx711"
)

type weighOptions struct {
	pins     string
	gain     int
	sim      bool
	nchan    int
	rate     float64
	duration time.Duration
	timeout  time.Duration
	output   string
	mqtt     string
	topic    string
}

var opt weighOptions

func parseOptions() error {
	flag.StringVar(&opt.pins, "pins", "", "channel pin pairs data:clock, comma separated (example GPIO5:GPIO6,GPIO12:GPIO13)")
	flag.IntVar(&opt.gain, "gain", 1, "gain selector for all channels: 1=A/128, 2=B/32, 3=A/64")
	flag.BoolVar(&opt.sim, "sim", false, "use simulated converters instead of hardware")
	flag.IntVar(&opt.nchan, "nchan", 1, "number of simulated channels (with -sim)")
	flag.Float64Var(&opt.rate, "rate", 10, "rows per second")
	flag.DurationVar(&opt.duration, "duration", 10*time.Second, "how long to sample (<=0 means until interrupted)")
	flag.DurationVar(&opt.timeout, "timeout", 250*time.Millisecond, "per-read readiness timeout")
	flag.StringVar(&opt.output, "o", "", "output CSV filename (empty means no file)")
	flag.StringVar(&opt.mqtt, "mqtt", "", "MQTT broker URL for live rows (example tcp://localhost:1883)")
	flag.StringVar(&opt.topic, "topic", "lodestar/rows", "MQTT topic for live rows")
	flag.Parse()

	if !opt.sim && opt.pins == "" {
		return fmt.Errorf("either -pins or -sim is required")
	}
	if opt.rate <= 0 {
		return fmt.Errorf("rate (%g) must be positive", opt.rate)
	}
	return nil
}

// parsePins turns "GPIO5:GPIO6,GPIO12:GPIO13" into one channel config per
// data:clock pair.
func parsePins(s string, gain hx711.Gain) ([]hx711.Config, error) {
	var channels []hx711.Config
	for _, pair := range strings.Split(s, ",") {
		names := strings.Split(pair, ":")
		if len(names) != 2 || names[0] == "" || names[1] == "" {
			return nil, fmt.Errorf("pin pair %q is not of the form data:clock", pair)
		}
		channels = append(channels, hx711.Config{DataPin: names[0], ClockPin: names[1], Gain: gain})
	}
	return channels, nil
}

func buildSource() (lodestar.SampleSource, error) {
	if opt.sim {
		source := lodestar.NewSimSource()
		err := source.Configure(&lodestar.SimSourceConfig{Nchan: opt.nchan, Gain: hx711.Gain(opt.gain)})
		return source, err
	}
	channels, err := parsePins(opt.pins, hx711.Gain(opt.gain))
	if err != nil {
		return nil, err
	}
	source := lodestar.NewHX711Source()
	if err := source.Configure(&lodestar.HX711SourceConfig{Channels: channels}); err != nil {
		return nil, err
	}
	return source, nil
}

func main() {
	if err := parseOptions(); err != nil {
		log.Println("ERROR: ", err)
		os.Exit(2)
	}
	source, err := buildSource()
	if err != nil {
		log.Println("ERROR: ", err)
		os.Exit(2)
	}

	session := lodestar.NewSession(source, lodestar.SessionConfig{
		Sampler: lodestar.SamplerConfig{
			RateHz:      opt.rate,
			Duration:    opt.duration,
			ReadTimeout: opt.timeout,
		},
		OutputPath: opt.output,
	})
	if opt.mqtt != "" {
		clientID := fmt.Sprintf("weigh-%d", os.Getpid())
		pub, err := lodestar.NewMQTTRowPublisher(opt.mqtt, clientID, opt.topic)
		if err != nil {
			log.Println("ERROR: ", err)
			os.Exit(2)
		}
		defer pub.Close()
		session.SetPublisher(pub)
	}

	// Trap interrupts so we can cleanly exit the program
	interruptCatcher := make(chan os.Signal, 1)
	signal.Notify(interruptCatcher, os.Interrupt)
	go func() {
		<-interruptCatcher
		log.Println("interrupted: stopping between ticks (interrupt again to abort)")
		session.Stop()
		<-interruptCatcher
		log.Println("interrupted again: aborting")
		session.Abort()
	}()

	result, err := session.Run()
	if result == nil {
		log.Println("ERROR: ", err)
		os.Exit(1)
	}

	fmt.Printf("Collected %d rows (%s) with %d overruns\n", result.Ticks, result.End, result.Overruns)
	for _, cs := range result.Summarize() {
		if cs.Good == 0 {
			fmt.Printf("%12s: no good readings, %d faults\n", cs.Name, cs.Faults)
			continue
		}
		fmt.Printf("%12s: mean %12.1f  stddev %10.1f  (%d readings, %d faults)\n",
			cs.Name, cs.Mean, cs.StdDev, cs.Good, cs.Faults)
	}
	if result.OutputPath != "" {
		fmt.Printf("Rows written to %s\n", result.OutputPath)
	}
	if err != nil {
		log.Println("ERROR: ", err)
		os.Exit(1)
	}
}
