package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"Oracle-Delphi/sdk/go/oracle"
)

func main() {
	baseURL := os.Getenv("ORACLE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}
	client, err := oracle.NewClient(baseURL, nil)
	if err != nil {
		log.Fatalf("create client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := client.Health(ctx); err != nil {
		log.Fatalf("health: %v", err)
	}

	reply, err := client.Chat(ctx, "What awaits me beyond the sea?", "example")
	if err != nil {
		log.Fatalf("chat: %v", err)
	}
	fmt.Printf("oracle (%s): %s\n", reply.RitualState.CurrentState, reply.Response)

	submitted, err := client.SubmitConsultation(ctx, oracle.ConsultationRequest{
		SessionID: "example",
		Question:  "Shall I build my house on the hill?",
	})
	if err != nil {
		log.Fatalf("submit consultation: %v", err)
	}
	done, err := client.WaitConsultation(ctx, submitted.ID, time.Second)
	if err != nil {
		log.Fatalf("wait consultation: %v", err)
	}
	if done.Result != nil {
		fmt.Printf("consultation %s: %s\n", done.ID, done.Result.Reply)
	} else {
		fmt.Printf("consultation %s ended as %s: %s\n", done.ID, done.Status, done.LastError)
	}

	session, err := client.SessionState(ctx, "example")
	if err != nil {
		log.Fatalf("session state: %v", err)
	}
	fmt.Printf("session %s saw %d transitions\n", session.SessionID, len(session.History))
}
