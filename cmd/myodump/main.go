// Command myodump connects to an armband and logs every decoded event.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Fohen-Wade/ls2k0300-myo/internal/bus"
	logs "github.com/Fohen-Wade/ls2k0300-myo/internal/logging"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/myo"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/protocol/link"
)

func main() {
	port := flag.String("port", "", "dongle serial device (detected by USB id when empty)")
	address := flag.String("address", "", "armband address AA:BB:CC:DD:EE:FF (scans when empty)")
	mode := flag.String("mode", "preprocessed", "emg mode: preprocessed|filtered|raw|none")
	vibrate := flag.Int("vibrate", 1, "vibration length on connect, 0 to skip")
	leds := flag.String("leds", "8080ff", "logo and bar LED color as rrggbb, empty to skip")
	sleep := flag.String("sleep", "", "sleep mode after connect: normal|never (default keeps never)")
	powerOff := flag.Bool("poweroff", false, "put the armband into deep sleep on exit")
	flag.Parse()

	logs.ConfigureRuntime()
	opts := options{
		port:     *port,
		address:  *address,
		mode:     *mode,
		vibrate:  *vibrate,
		leds:     *leds,
		sleep:    *sleep,
		powerOff: *powerOff,
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "myodump: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	port     string
	address  string
	mode     string
	vibrate  int
	leds     string
	sleep    string
	powerOff bool
}

func parseColor(raw string) ([3]byte, error) {
	var c [3]byte
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != 3 {
		return c, fmt.Errorf("invalid color %q, want rrggbb", raw)
	}
	copy(c[:], b)
	return c, nil
}

func run(opts options) error {
	mode, err := myo.ParseMode(opts.mode)
	if err != nil {
		return err
	}
	var addr *myo.Address
	if opts.address != "" {
		a, err := myo.ParseAddress(opts.address)
		if err != nil {
			return err
		}
		addr = &a
	}
	var color *[3]byte
	if opts.leds != "" {
		c, err := parseColor(opts.leds)
		if err != nil {
			return err
		}
		color = &c
	}
	var sleep *myo.SleepMode
	if opts.sleep != "" {
		m, err := myo.ParseSleepMode(opts.sleep)
		if err != nil {
			return err
		}
		sleep = &m
	}
	port := opts.port
	if port == "" {
		if port, err = myo.DetectPort(); err != nil {
			return err
		}
	}

	cfg := link.DefaultConfig()
	tr, err := link.OpenSerial(port, cfg)
	if err != nil {
		return err
	}
	defer tr.Close()
	l, err := link.New(tr, cfg)
	if err != nil {
		return err
	}

	sess := myo.New(l, mode)
	sess.OnEMG(bus.Func(func(s myo.EMGSample) {
		logs.Infof("emg channels=%v moving=%d", s.Channels, s.Moving)
	}))
	sess.OnIMU(bus.Func(func(s myo.IMUSample) {
		logs.Infof("imu quat=%v acc=%v gyro=%v", s.Quat, s.Acc, s.Gyro)
	}))
	sess.OnArm(bus.Func(func(e myo.ArmEvent) {
		logs.Infof("arm arm=%d x_direction=%d", e.Arm, e.XDir)
	}))
	sess.OnPose(bus.Func(func(e myo.PoseEvent) {
		logs.Infof("pose pose=%s", e.Pose)
	}))
	sess.OnBattery(bus.Func(func(e myo.BatteryEvent) {
		logs.Infof("battery level=%d", e.Level)
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if resp, err := l.GetConnections(ctx); err != nil {
		logs.Warnf("myodump get connections err=%v", err)
	} else if len(resp.Payload) > 0 {
		logs.Infof("myodump dongle max_connections=%d", resp.Payload[0])
	}

	if err := sess.Connect(ctx, addr); err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if opts.powerOff {
			if err := sess.PowerOff(dctx); err != nil {
				logs.Warnf("myodump power off err=%v", err)
			}
		}
		if err := sess.Disconnect(dctx); err != nil {
			logs.Warnf("myodump disconnect err=%v", err)
		}
	}()
	if sleep != nil {
		if err := sess.SleepMode(ctx, *sleep); err != nil {
			logs.Warnf("myodump sleep mode err=%v", err)
		}
	}
	if color != nil {
		if err := sess.SetLEDs(ctx, *color, *color); err != nil {
			logs.Warnf("myodump set leds err=%v", err)
		}
	}
	if opts.vibrate > 0 {
		if err := sess.Vibrate(ctx, opts.vibrate); err != nil {
			logs.Warnf("myodump vibrate err=%v", err)
		}
	}

	for {
		if _, err := l.ReadPacket(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}
