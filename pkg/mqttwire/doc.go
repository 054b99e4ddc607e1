// Package mqttwire implements the MQTT client side of the wire protocol,
// supporting both MQTT 3.1.1 (v4) and MQTT 5.0 (v5), over TCP, TLS,
// WebSocket, and WebSocket over TLS.
//
// It is a client only: there is no broker here. QoS 0 and QoS 1 publish and
// subscribe are supported; QoS 2 is not.
//
// # Example
//
//	client, err := mqttwire.Connect(ctx, mqttwire.ClientConfig{
//	    Addr:     "tls://endpoint.iot.example.com:8883",
//	    ClientID: "my-thing",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.Subscribe(ctx, mqttwire.AtMostOnce, "test/topic"); err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Publish(ctx, mqttwire.AtLeastOnce, "test/topic", []byte("hello"), false); err != nil {
//	    log.Fatal(err)
//	}
//	msg, err := client.Recv(ctx)
//
// # Transport support
//
// | Transport | URL scheme | Example |
// |-----------|------------|---------|
// | TCP | tcp:// | tcp://localhost:1883 |
// | TLS | tls://, mqtts:// | tls://localhost:8883 |
// | WebSocket | ws:// | ws://localhost:8083/mqtt |
// | WebSocket+TLS | wss:// | wss://localhost:8084/mqtt |
package mqttwire
