//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"log/slog"
	"machine"
	"net/netip"
	"strconv"
	"time"

	"openenterprise/dualboot/config"
	"openenterprise/dualboot/credentials"
	"openenterprise/dualboot/ota"
	"openenterprise/dualboot/ota/rp2350"
	"openenterprise/dualboot/version"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
)

const pollTime = 5 * time.Millisecond

// fatalError handles unrecoverable errors by waiting for watchdog reset
// with a software reset fallback. This ensures the device always recovers.
func fatalError(dev *rp2350.Device, msg string) {
	println(msg)
	// Wait for watchdog timeout (8s timeout + margin)
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
	}
	println("Watchdog timeout - forcing software reset...")
	dev.Restart()
	for {
		time.Sleep(time.Second)
	}
}

func main() {
	dev := rp2350.New()

	// CRITICAL: Confirm partition IMMEDIATELY to prevent TBYB auto-revert.
	// Must be called within 16.7s of boot. Do this before ANY delays!
	confirmErr := dev.Confirm()

	time.Sleep(2 * time.Second) // Give time to connect to USB and monitor output.
	println("========================================")
	println("  Openenterprise Dual-Bank Updater")
	println("  Version:", version.Version)
	println("  Git SHA:", version.GitSHA)
	println("  Built:  ", version.BuildDate)
	println("========================================")

	// Setup application logger (debug level for our code)
	logger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Setup network stack logger (error+4 level to suppress all network noise)
	// The cywnet library logs "packet dropped" at ERROR level which is normal for WiFi
	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12),
	}))

	if confirmErr != nil {
		logger.Error("boot:confirm-failed", slog.String("err", confirmErr.Error()))
	} else {
		logger.Info("boot:confirmed")
	}
	reg := ota.NewRegistry(dev, dev)
	running, err := reg.Running()
	if err != nil {
		logger.Error("boot:unknown-bank", slog.String("err", err.Error()))
	} else {
		logger.Info("boot:running",
			slog.String("bank", running.Label),
			slog.String("offset", "0x"+strconv.FormatUint(uint64(running.Offset), 16)),
		)
	}

	// Configure watchdog for reliability (8 second timeout)
	machine.Watchdog.Configure(machine.WatchdogConfig{
		TimeoutMillis: 8000,
	})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	// Initialize WiFi (use quieter logger for network stack)
	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = netLogger
	cystack, err := cywnet.NewConfiguredPicoWithStack(
		credentials.SSID(),
		credentials.Password(),
		devcfg,
		cywnet.StackConfig{
			Hostname:    config.Hostname(),
			MaxTCPPorts: 2, // update server + MQTT announcement
		},
	)
	if err != nil {
		logger.Error("wifi:setup-failed", slog.String("err", err.Error()))
		fatalError(dev, "WiFi setup failed - waiting for reset...")
	}

	// Called before any reboot (like Pico SDK's cyw43_arch_deinit).
	// TinyGo's cyw43439 driver has no full deinit; give pending packets time to drain.
	dev.SetShutdown(func() {
		logger.Info("wifi:shutdown")
		time.Sleep(100 * time.Millisecond)
	})

	// Network stack processing runs in the background; the update server
	// itself is polled from the main loop below.
	go loopForeverStack(cystack)

	dhcpResults, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{})
	if err != nil {
		logger.Error("dhcp:failed", slog.String("err", err.Error()))
		fatalError(dev, "DHCP failed - waiting for reset...")
	}
	port := config.UpdatePort()
	updateAddr := netip.AddrPortFrom(dhcpResults.AssignedAddr, port)
	logger.Info("dhcp:complete", slog.String("addr", dhcpResults.AssignedAddr.String()))

	stack := cystack.LnetoStack()

	if brokerAddr, err := config.BrokerAddr(); err != nil {
		logger.Info("mqtt:announce-disabled", slog.String("reason", err.Error()))
	} else {
		report := bootReport(running, confirmErr == nil, updateAddr.String())
		if err := announceBoot(stack, brokerAddr, report, machine.Watchdog.Update, logger); err != nil {
			logger.Warn("mqtt:announce-failed", slog.String("err", err.Error()))
		}
	}

	password := credentials.UpdatePassword()
	if password == "" {
		logger.Warn("ota:no-password", slog.String("hint", "create credentials/update_password.text"))
	}

	listener, err := newTCPListener(stack, port, machine.Watchdog.Update, logger)
	if err != nil {
		logger.Error("ota:configure-failed", slog.String("err", err.Error()))
		fatalError(dev, "Update listener setup failed - waiting for reset...")
	}
	srv := ota.NewServer(dev, dev, dev,
		ota.WithCredential(password),
		ota.WithReadTimeout(config.ReadTimeout()),
		ota.WithPort(port),
		ota.WithLogger(logger),
		ota.WithProgress(ota.LogProgress(logger, machine.Watchdog.Update)),
	)
	logger.Info("ota:ready",
		slog.String("addr", updateAddr.String()),
		slog.String("build", version.BuildMarker),
	)

	for {
		machine.Watchdog.Update()
		if err := srv.Poll(listener); err != nil {
			logger.Error("ota:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
		}
		time.Sleep(pollTime)
	}
}

// loopForeverStack processes network packets in the background
func loopForeverStack(stack *cywnet.Stack) {
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
	}
}
