// Command gamestub is a stand-in duel game for local development. It listens
// on the assigned port, waits a moment for players to connect, then declares
// a random participant the winner on stdout.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"strings"
	"time"
)

func main() {
	port := flag.Int("port", 0, "Port to listen on")
	players := flag.String("players", "", "Comma-separated participant usernames")
	delay := flag.Duration("delay", 2*time.Second, "Time before a winner is declared")
	flag.Parse()

	names := strings.Split(*players, ",")
	if len(names) == 0 || names[0] == "" {
		log.Fatal("No players given")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		log.Fatalf("Failed to listen on port %d: %v", *port, err)
	}
	defer listener.Close()

	fmt.Printf("game ready on %s for %d players\n", listener.Addr(), len(names))

	// Accept and immediately greet connections until the winner is decided
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			fmt.Fprintf(conn, "welcome to the duel: %s\n", *players)
			conn.Close()
		}
	}()

	time.Sleep(*delay)

	winner := names[rand.Intn(len(names))]
	fmt.Printf("WINNER:%s\n", winner)
}
