//go:build tinygo

package main

import (
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"openenterprise/dualboot/config"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	mqttTimeout = 3 * time.Second // dial budget stays under the watchdog timeout
	mqttRetries = 2
	mqttBufSize = 256
)

var topicBoot = []byte("dualboot/boot")

// Pre-allocated buffers for memory efficiency
var (
	mqttRxBuf   [updateBufSize]byte
	mqttTxBuf   [updateBufSize]byte
	mqttUserBuf [mqttBufSize]byte
)

// MQTT publish flags (QoS0, retained so late subscribers see the last boot)
var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, true, false)

// announceBoot publishes payload once to the boot topic. feed is called
// between the waits.
func announceBoot(stack *xnet.StackAsync, brokerAddr netip.AddrPort, payload []byte, feed func(), logger *slog.Logger) error {
	rstack := stack.StackRetrying(5 * time.Millisecond)

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             mqttRxBuf[:],
		TxBuf:             mqttTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		return err
	}

	client := mqtt.NewClient(mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: mqttUserBuf[:]},
	})
	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT([]byte(config.ClientID()))

	lport := uint16(stack.Prand32()>>17) + 1024
	logger.Info("mqtt:dialing", slog.String("broker", brokerAddr.String()))
	feed()
	err = rstack.DoDialTCP(&conn, lport, brokerAddr, mqttTimeout, mqttRetries)
	feed()
	if err != nil {
		closeConn(&conn, stack, brokerAddr, feed)
		return err
	}

	conn.SetDeadline(time.Now().Add(mqttTimeout))
	if err = client.StartConnect(&conn, &varconn); err != nil {
		closeConn(&conn, stack, brokerAddr, feed)
		return err
	}
	connected := pollUntil(func() bool {
		if err := client.HandleNext(); err != nil {
			logger.Warn("mqtt:handle-next", slog.String("err", err.Error()))
		}
		return client.IsConnected()
	}, time.Now().Add(5*time.Second), 100*time.Millisecond, feed)
	if !connected {
		closeConn(&conn, stack, brokerAddr, feed)
		return errors.New("mqtt connect timeout")
	}

	conn.SetDeadline(time.Now().Add(mqttTimeout))
	err = client.PublishPayload(pubFlags, mqtt.VariablesPublish{
		TopicName:        topicBoot,
		PacketIdentifier: uint16(stack.Prand32()),
	}, payload)
	if err != nil {
		closeConn(&conn, stack, brokerAddr, feed)
		return err
	}
	logger.Info("mqtt:published", slog.String("topic", string(topicBoot)), slog.Int("bytes", len(payload)))

	client.Disconnect(errors.New("announcement sent"))
	closeConn(&conn, stack, brokerAddr, feed)
	return nil
}

// closeConn closes the TCP connection and waits for it to close
func closeConn(conn *tcp.Conn, stack *xnet.StackAsync, addr netip.AddrPort, feed func()) {
	conn.Close()
	pollUntil(func() bool { return conn.State().IsClosed() },
		time.Now().Add(5*time.Second), 100*time.Millisecond, feed)
	conn.Abort()

	// Discard ARP query to free slot for next connection
	stack.DiscardResolveHardwareAddress6(addr.Addr())
}
