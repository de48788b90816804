//Stompy is a client side STOMP 1.1 / 1.2 protocol engine. It encodes and decodes frames, tracks
//the connection lifecycle, subscriptions with their pending acknowledgments, transactions and
//heartbeats. It does not own a socket: a Transport writes encoded frames and the caller feeds
//inbound frames back through Client.ProcessIncomingFrame. internal/transport has a TCP one.
//
//Examples:
//
//Connect, subscribe with client acks and publish. Note example shows connection and disconnection for completeness
//but normally the connection would be long lived.
/*

	opts := stompy.DefaultClientOpts("localhost")
	opts.User = "user"
	opts.PassCode = "pass"
	opts.HeartBeatSend = 10 * time.Second
	opts.HeartBeatReceive = 10 * time.Second

	client, err := stompy.NewClient(opts, stompy.WithObserver(myObserver))
	if err != nil {
		log.Fatal(err)
	}
	conn, err := transport.Dial(ctx, opts.HostAndPort, opts.Timeout)
	if err != nil {
		log.Fatal(err)
	}
	go conn.ReadLoop(client)

	if err := client.Connect(ctx, conn); err != nil {
		log.Fatal(err)
	}
	if err := client.Subscribe(ctx, "/queue/test", "sub-0", stompy.AckClient, "", nil); err != nil {
		log.Fatal(err)
	}
	err = client.Send(ctx, "/queue/test", stompy.NewTextBody(`{"test":"test"}`), "application/json", "", nil)
	if err != nil {
		log.Fatal(err)
	}
	//messages arrive on myObserver.OnMessageReceived; acknowledge them with
	//client.Acknowledge(ctx, msg.ID, "")
	client.Disconnect(ctx)
*/
package stompy
