// Package agentsdk is a Go client for the agent CLI server's JSON-RPC
// protocol: spawn or attach to a server process, open one or more
// interactive sessions, send prompts, receive streamed events, and answer
// the server's tool-call and permission-request callbacks.
//
// Quick start:
//
//	client, err := agentsdk.NewClient(agentsdk.WithServerPath("/usr/local/bin/agent-server"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := client.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer client.Stop(ctx)
//
//	session, err := client.CreateSession(ctx, agentsdk.SessionOptions{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	session.On(func(ev agentsdk.Event) {
//		if text, ok := ev.AssistantMessageContent(); ok {
//			fmt.Println(text)
//		}
//	})
//	if _, err := session.Send(ctx, agentsdk.SendOptions{Prompt: "list the files in this repo"}); err != nil {
//		log.Fatal(err)
//	}
package agentsdk

// ProtocolVersion is the JSON-RPC protocol version this SDK negotiates via
// ping. A server reporting a different version causes Client.Start to fail
// with ErrProtocolMismatch.
const ProtocolVersion = "1.0"
