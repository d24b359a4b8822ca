package config

import (
	"flag"
	"log"
	"time"

	"canscope/models"
)

type DriverType string

const (
	Replay    DriverType = "replay"
	SLCAN     DriverType = "slcan"
	SocketCAN DriverType = "socket-can"
)

type Flags struct {
	Driver  DriverType
	Addr    string
	Rate    models.BitRate
	Console bool
	Echo    bool
}

type CaptureFlags struct {
	TableCapacity     int
	LogCapacity       int
	TrialCapacity     int
	ScanWindow        time.Duration
	ConsoleScanWindow time.Duration
	Record            bool
}

type SerialFlags struct {
	SerialPort string
	BaudRate   int
}

type ReplayFlags struct {
	Path       string
	Speed      float64
	Loop       bool
	SkipFrames int
	// Rate is the bit rate the recording was captured at, the replay stays silent at any other rate.
	// Zero answers at every rate.
	Rate models.BitRate
}

type SocketCANFlags struct {
	SocketCanAddr string
	SkipLinkSetup bool
}

type MQTTFlags struct {
	Broker   string
	ClientID string
	Topic    string
}

const (
	DEFAULT_BAUD_RATE    = 115200
	DEFAULT_SCAN_WINDOW  = 3 * time.Second
	DEFAULT_CONSOLE_SCAN = 5 * time.Second
)

func GetFlags() (*Flags, *CaptureFlags, *SerialFlags, *ReplayFlags, *SocketCANFlags, *MQTTFlags) {
	flags := &Flags{}
	var driverStr, rateStr string
	flag.StringVar(&driverStr, "driver", "socket-can", "driver type to use to listen to the bus (socket-can, slcan, replay)")
	flag.StringVar(&flags.Addr, "addr", ":8080", "http listen address")
	flag.StringVar(&rateStr, "rate", models.DefaultRate.String(), "initial CAN bit rate (125k, 250k, 500k, 1M)")
	flag.BoolVar(&flags.Console, "console", false, "read single key commands from the terminal")
	flag.BoolVar(&flags.Echo, "echo", false, "print every captured frame as a CSV line")

	capture := &CaptureFlags{}
	flag.IntVar(&capture.TableCapacity, "ids", 256, "max unique identifiers tracked")
	flag.IntVar(&capture.LogCapacity, "log-size", 500, "entries kept in the event log")
	flag.IntVar(&capture.TrialCapacity, "scan-ids", 64, "max unique identifiers tracked per scan trial")
	flag.DurationVar(&capture.ScanWindow, "scan-window", DEFAULT_SCAN_WINDOW, "time spent listening at each rate during a web scan")
	flag.DurationVar(&capture.ConsoleScanWindow, "console-scan-window", DEFAULT_CONSOLE_SCAN, "time spent listening at each rate during a console scan")
	flag.BoolVar(&capture.Record, "record", false, "write captured frames to logs/RAWLOG.bin")

	serial := &SerialFlags{}
	flag.StringVar(&serial.SerialPort, "serial-port", "auto", "serial device path or 'auto'")
	flag.IntVar(&serial.BaudRate, "baud", DEFAULT_BAUD_RATE, "serial baud rate of the SLCAN adapter")

	replay := &ReplayFlags{}
	var replayRateStr string
	flag.StringVar(&replay.Path, "replay", "", "path to a .bin recording or candump log to replay")
	flag.Float64Var(&replay.Speed, "replay-speed", 1.0, "replay speed multiplier (0 = as fast as possible)")
	flag.BoolVar(&replay.Loop, "replay-loop", false, "loop replay at EOF")
	flag.IntVar(&replay.SkipFrames, "replay-skip-frames", 0, "skips X amount of frames from start")
	flag.StringVar(&replayRateStr, "replay-rate", "", "bit rate the recording was captured at (empty = any)")

	socketCAN := &SocketCANFlags{}
	flag.StringVar(&socketCAN.SocketCanAddr, "socket-can-address", "can0", "socket CAN interface name")
	flag.BoolVar(&socketCAN.SkipLinkSetup, "socket-can-skip-link", false, "don't reconfigure the link with ip(8), e.g. for vcan")

	mqtt := &MQTTFlags{}
	flag.StringVar(&mqtt.Broker, "mqtt-broker", "", "MQTT broker url, empty disables publishing")
	flag.StringVar(&mqtt.ClientID, "mqtt-client-id", "canscope", "MQTT client id")
	flag.StringVar(&mqtt.Topic, "mqtt-topic", "canscope", "MQTT topic prefix")

	flag.Parse()

	flags.Driver = DriverType(driverStr)

	rate, err := models.ParseBitRate(rateStr)
	if err != nil {
		log.Fatalf("bad -rate: %v", err)
	}
	flags.Rate = rate

	if replayRateStr != "" {
		replay.Rate, err = models.ParseBitRate(replayRateStr)
		if err != nil {
			log.Fatalf("bad -replay-rate: %v", err)
		}
	}

	return flags, capture, serial, replay, socketCAN, mqtt
}

type LoggerFlags struct {
	URL      string
	Interval time.Duration
	Batch    int
	Dir      string
	Archive  string
	Quiet    bool
}

const (
	DEFAULT_POLL_INTERVAL = 200 * time.Millisecond
	DEFAULT_LOGGER_URL    = "http://localhost:8080"
)

// GetLoggerFlags parses the flags of the canlog tool. A bare positional argument is taken as the URL.
func GetLoggerFlags() *LoggerFlags {
	flags := &LoggerFlags{}
	flag.StringVar(&flags.URL, "url", DEFAULT_LOGGER_URL, "address of the sniffer's web api")
	flag.DurationVar(&flags.Interval, "interval", DEFAULT_POLL_INTERVAL, "time between polls")
	flag.IntVar(&flags.Batch, "batch", 200, "max entries fetched per request")
	flag.StringVar(&flags.Dir, "dir", ".", "directory the csv log is written to")
	flag.StringVar(&flags.Archive, "db", "", "also archive entries to this sqlite file")
	flag.BoolVar(&flags.Quiet, "quiet", false, "don't print marks as they arrive")
	flag.Parse()

	if flag.NArg() > 0 {
		flags.URL = flag.Arg(0)
	}
	return flags
}

type FilterFlags struct {
	In  string
	Out string
	IDs string
}

func GetFilterFlags() *FilterFlags {
	flags := &FilterFlags{}
	flag.StringVar(&flags.In, "in", "logs/canscope_log.csv", "csv log to filter")
	flag.StringVar(&flags.Out, "out", "logs/canscope_filtered.csv", "where the filtered csv is written")
	flag.StringVar(&flags.IDs, "ids", "", "comma separated identifiers to keep, e.g. 0x7E8,0x18DAF110")
	flag.Parse()
	return flags
}
