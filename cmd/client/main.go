package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/NicolasHaas/gocall/pkg/audio"
	"github.com/NicolasHaas/gocall/pkg/client"
	"github.com/NicolasHaas/gocall/pkg/logging"
	pb "github.com/NicolasHaas/gocall/pkg/protocol/pb"
	"github.com/NicolasHaas/gocall/pkg/version"
)

func main() {
	serverAddr := flag.String("server", "localhost:9600", "Server control plane address")
	username := flag.String("username", "", "Username to register (required)")
	udpPort := flag.Int("udp-port", 0, "Local UDP audio port (0 = ephemeral)")
	noAudio := flag.Bool("no-audio", false, "Signaling only, no audio devices")
	logLevel := flag.String("log-level", "warn", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("gocall", version.Full())
		return
	}
	if *username == "" {
		fmt.Fprintln(os.Stderr, "usage: gocall -username <name> [-server host:port]")
		os.Exit(1)
	}

	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stderr,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	if !*noAudio {
		// Device enumeration is slow; overlap it with connecting.
		audio.PreInitAudio()
	}

	shim := client.NewShim(client.Options{
		Server:      *serverAddr,
		Username:    *username,
		UDPPort:     *udpPort,
		EnableAudio: !*noAudio,
	})

	shim.OnIncomingCall = func(caller string) {
		fmt.Printf("\n*** incoming call from %s (accept/reject) ***\n> ", caller)
	}
	shim.OnQueued = func(target string, position int) {
		fmt.Printf("\nqueued for %s at position %d\n> ", target, position)
	}
	shim.OnAvailable = func(target string) {
		fmt.Printf("\n%s is available, ringing...\n> ", target)
	}
	shim.OnActive = func(peer string) {
		fmt.Printf("\ncall with %s is live\n> ", peer)
	}
	shim.OnResolved = func(outcome, peer string) {
		if outcome != "accepted" {
			fmt.Printf("\ncall with %s over: %s\n> ", peer, outcome)
		}
	}
	shim.OnWho = func(users []pb.UserStatus) {
		fmt.Println()
		for _, u := range users {
			line := fmt.Sprintf("  %-32s %s", u.Username, u.Status)
			if u.Peer != "" {
				line += " (with " + u.Peer + ")"
			}
			fmt.Println(line)
		}
		fmt.Print("> ")
	}
	shim.OnError = func(code pb.ErrorCode, message string) {
		fmt.Printf("\nerror: %s\n> ", message)
	}

	done := make(chan struct{})
	var closeDone sync.Once
	quit := func() { closeDone.Do(func() { close(done) }) }
	shim.OnDisconnect = func(reason string) {
		fmt.Printf("\ndisconnected: %s\n", reason)
		quit()
	}

	if err := shim.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = shim.Close() }()

	fmt.Printf("registered as %s on %s\n", *username, *serverAddr)
	fmt.Println("commands: call <user>, accept, reject, hangup, who, quit")

	go repl(shim, quit)
	<-done
}

func repl(shim *client.Shim, quit func()) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			fmt.Print("> ")
			continue
		}

		var err error
		switch fields[0] {
		case "call":
			if len(fields) != 2 {
				fmt.Println("usage: call <user>")
			} else {
				err = shim.Call(fields[1])
			}
		case "accept":
			err = shim.Accept()
		case "reject":
			err = shim.Reject()
		case "hangup":
			err = shim.Hangup()
		case "who":
			err = shim.Who()
		case "status":
			fmt.Printf("%s", shim.Phase())
			if peer := shim.Peer(); peer != "" {
				fmt.Printf(" (%s)", peer)
			}
			fmt.Println()
		case "quit", "exit":
			quit()
			return
		default:
			fmt.Println("commands: call <user>, accept, reject, hangup, who, status, quit")
		}
		if err != nil {
			fmt.Printf("send failed: %v\n", err)
		}
		fmt.Print("> ")
	}
	quit()
}
