package main

import (
	"bufio"
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chatsync/api/rest"
	"chatsync/client"
	"chatsync/config"
)

const controlSocketPath = "/tmp/chatsync.sock"

func main() {
	cfg := config.Load()

	restClient := rest.New(cfg.ServerURL, cfg.RequestTimeout)
	c := client.New(cfg, restClient, restClient)
	defer c.Close()

	username := os.Getenv("CHATSYNC_USERNAME")
	password := os.Getenv("CHATSYNC_PASSWORD")
	if username == "" || password == "" {
		log.Fatal("CHATSYNC_USERNAME and CHATSYNC_PASSWORD must be set")
	}

	if _, err := c.Login(context.Background(), username, password); err != nil {
		log.Fatalf("Login failed: %v", err)
	}
	log.Printf("Logged in as %s, syncing against %s", username, cfg.ServerURL)

	// Start control socket for management commands
	go startControlSocket(c)

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)
	c.Logout(context.Background())
	os.Remove(controlSocketPath)
}

func startControlSocket(c *client.Client) {
	// Remove existing socket file
	os.Remove(controlSocketPath)

	listener, err := net.Listen("unix", controlSocketPath)
	if err != nil {
		log.Printf("Failed to create control socket: %v", err)
		return
	}
	defer listener.Close()
	defer os.Remove(controlSocketPath)

	log.Printf("Control socket listening on %s", controlSocketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}

		go handleControlCommand(c, conn)
	}
}

func handleControlCommand(c *client.Client, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	line = strings.TrimSpace(line)
	parts := strings.SplitN(line, "|", 2)

	if len(parts) == 0 {
		conn.Write([]byte("ERROR|Invalid command\n"))
		return
	}

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + c.Stats() + "\n"))

	case "open":
		if len(parts) < 2 || parts[1] == "" {
			conn.Write([]byte("ERROR|Missing peer\n"))
			return
		}
		c.OpenChat(parts[1])
		conn.Write([]byte("OK|Polling " + parts[1] + "\n"))

	case "close":
		c.CloseChat()
		conn.Write([]byte("OK|Chat closed\n"))

	case "logout":
		c.Logout(context.Background())
		conn.Write([]byte("OK|Logged out\n"))

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
