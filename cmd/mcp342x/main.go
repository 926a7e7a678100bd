// Command mcp342x reads Microchip MCP342x analogue-to-digital converters
// attached to a Linux I2C bus (/dev/i2c-N).
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/ardnew/mcp342x"

	"github.com/go-daq/smbus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()

	app.Name = "mcp342x"
	app.Usage = "read Microchip MCP342x analogue-to-digital converters"
	app.Version = "0.1.0"

	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "bus, b",
			Value: 1,
			Usage: "I2C bus number (/dev/i2c-`N`)",
		},
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "enable debug logging",
		},
	}

	app.Before = func(c *cli.Context) error {
		log.SetFormatter(&log.TextFormatter{DisableColors: true})
		if c.GlobalBool("debug") {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	}

	app.Commands = []cli.Command{
		{
			Name:   "scan",
			Usage:  "probe the MCP342x address window (0x68-0x6F)",
			Action: scan,
		},
		{
			Name:   "read",
			Usage:  "perform a single one-shot conversion",
			Action: read,
			Flags: []cli.Flag{
				cli.IntFlag{Name: "addr, a", Value: int(mcp342x.AddrDefault), Usage: "7-bit device address"},
				cli.IntFlag{Name: "channel, c", Value: 0, Usage: "input channel (0-3)"},
				cli.IntFlag{Name: "resolution, r", Value: 12, Usage: "conversion depth in bits (12|14|16|18)"},
				cli.IntFlag{Name: "gain, g", Value: 1, Usage: "PGA factor (1|2|4|8)"},
				cli.Float64Flag{Name: "vref", Value: mcp342x.VRefInternal, Usage: "full-scale reference voltage"},
				cli.BoolFlag{Name: "sleep", Usage: "sleep the full conversion time instead of polling"},
			},
		},
		{
			Name:   "watch",
			Usage:  "periodically sample inputs defined in a config file",
			Action: watch,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config, f",
					Value: "./mcp342x.toml",
					Usage: "load input definitions from `FILE`",
				},
			},
		},
	}

	if err := app.Run(os.Args); nil != err {
		log.Fatal(err)
	}
}

// open claims the Linux I2C bus selected by the global --bus flag.
func open(c *cli.Context) (*smbus.Conn, error) {
	return smbus.Open(c.GlobalInt("bus"), mcp342x.AddrDefault)
}

// scan probes every address in the MCP342x window with a minimal sample
// read, reporting the addresses that respond.
func scan(c *cli.Context) error {

	conn, err := open(c)
	if nil != err {
		return err
	}
	defer conn.Close()

	found := 0
	buf := make([]byte, 3)
	for addr := mcp342x.AddrMin; addr <= mcp342x.AddrMax; addr++ {
		if err := conn.ReadBlockData(addr, 0x00, buf); nil != err {
			log.Debugf("0x%02X: %v", addr, err)
			continue
		}
		found++
		log.Infof("found MCP342x at 0x%02X", addr)
	}

	if 0 == found {
		log.Warn("no MCP342x devices found")
	}
	return nil
}

// device builds a Device from conversion flags shared by read and watch.
func device(conn *smbus.Conn, addr, channel, bits, factor int) (*mcp342x.Device, error) {

	dev, err := mcp342x.New(conn, uint8(addr))
	if nil != err {
		return nil, err
	}

	res, err := mcp342x.ResolutionFromBits(bits)
	if nil != err {
		return nil, err
	}

	gain, err := mcp342x.GainFromFactor(factor)
	if nil != err {
		return nil, err
	}

	if err := dev.SetConfig(mcp342x.Config{
		Channel:    mcp342x.Channel(channel),
		Mode:       mcp342x.ModeOneShot,
		Resolution: res,
		Gain:       gain,
	}); nil != err {
		return nil, err
	}

	return dev, nil
}

// read performs one conversion and prints the raw count and voltage.
func read(c *cli.Context) error {

	conn, err := open(c)
	if nil != err {
		return err
	}
	defer conn.Close()

	dev, err := device(conn, c.Int("addr"), c.Int("channel"), c.Int("resolution"), c.Int("gain"))
	if nil != err {
		return err
	}

	if c.Bool("sleep") {
		if err := dev.SetStrategy(mcp342x.StrategySleep); nil != err {
			return err
		}
	}

	s, err := dev.ConvertAndRead()
	if nil != err {
		return err
	}

	fmt.Printf("%v raw=%d voltage=%.6f\n", dev, s.Raw, s.Voltage(c.Float64("vref")))
	return nil
}

// input is one sampled signal from the watch configuration file.
type input struct {
	Name       string
	Addr       int
	Channel    int
	Resolution int
	Gain       int
	VRef       float64
}

// watch samples every configured input on a fixed interval, logging each
// result, until interrupted.
//
// The configuration file is TOML of the form:
//
//	interval = "1s"
//
//	[[input]]
//	name       = "battery"
//	addr       = 104        # 0x68
//	channel    = 0
//	resolution = 18
//	gain       = 1
//	vref       = 2.048
func watch(c *cli.Context) error {

	viper.SetConfigType("toml")
	viper.SetConfigFile(c.String("config"))
	viper.SetDefault("interval", "1s")
	if err := viper.ReadInConfig(); nil != err {
		return err
	}

	var inputs []input
	if err := viper.UnmarshalKey("input", &inputs); nil != err {
		return err
	}
	if 0 == len(inputs) {
		log.Warn("no inputs configured")
		return nil
	}

	conn, err := open(c)
	if nil != err {
		return err
	}
	defer conn.Close()

	devs := make([]*mcp342x.Device, len(inputs))
	for i, in := range inputs {
		dev, err := device(conn, in.Addr, in.Channel, in.Resolution, in.Gain)
		if nil != err {
			return fmt.Errorf("input %q: %v", in.Name, err)
		}
		devs[i] = dev
	}

	interval := viper.GetDuration("interval")
	for {
		start := time.Now()

		samples, err := mcp342x.ConvertAndReadMany(devs)
		if nil != err {
			return err
		}

		for i, s := range samples {
			vref := inputs[i].VRef
			if 0 == vref {
				vref = mcp342x.VRefInternal
			}
			log.WithFields(log.Fields{
				"input":   inputs[i].Name,
				"addr":    fmt.Sprintf("0x%02X", devs[i].Addr()),
				"raw":     s.Raw,
				"voltage": s.Voltage(vref),
			}).Info("sample")
		}

		if d := interval - time.Since(start); d > 0 {
			time.Sleep(d)
		}
	}
}
