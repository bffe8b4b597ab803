package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/parley/internal/models"
	"github.com/spf13/cobra"
)

var promptCmd = &cobra.Command{
	Use:   "prompt [text...]",
	Short: "Send text to the generation session",
	Long:  `Sends text as if the user had said it. The reply is spoken through the pipeline.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPrompt,
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage conversation sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved conversations",
	RunE:  runSessionList,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "Show a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume [session-id]",
	Short: "Continue a saved conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionResume,
}

var sessionNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a fresh conversation",
	RunE:  runSessionNew,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the daemon",
	RunE:  runHealth,
}

var sessionLimit int

func init() {
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionResumeCmd, sessionNewCmd)
	sessionListCmd.Flags().IntVar(&sessionLimit, "limit", 20, "Maximum sessions")
}

func runPrompt(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/prompt", map[string]string{"text": strings.Join(args, " ")}); err != nil {
		return err
	}
	fmt.Println("Prompt accepted")
	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet(fmt.Sprintf("/sessions?limit=%d", sessionLimit))
	if err != nil {
		return err
	}

	var sessions []models.ChatSession
	if err := json.Unmarshal(resp, &sessions); err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUPDATED\tTURNS\tTITLE")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			s.ID, s.UpdatedAt.Local().Format("2006-01-02 15:04"), len(s.History), truncate(s.Title, 50))
	}
	w.Flush()
	return nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/sessions/" + args[0])
	if err != nil {
		return err
	}

	var s models.ChatSession
	if err := json.Unmarshal(resp, &s); err != nil {
		return err
	}

	fmt.Printf("ID:      %s\n", s.ID)
	fmt.Printf("Title:   %s\n", s.Title)
	fmt.Printf("Created: %s\n\n", s.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	for _, h := range s.History {
		fmt.Printf("%-9s %s\n", h.Role+":", h.Content)
	}
	return nil
}

func runSessionResume(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/sessions/"+args[0]+"/resume", nil); err != nil {
		return err
	}
	fmt.Printf("Resumed session %s\n", args[0])
	return nil
}

func runSessionNew(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/sessions", nil); err != nil {
		return err
	}
	fmt.Println("Started a new conversation")
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	health, err := CheckHealth()
	if health != nil {
		fmt.Printf("OK:      %v\n", health.OK)
		fmt.Printf("DB:      %s\n", health.DB)
		fmt.Printf("Version: %s\n", health.Version)
		fmt.Printf("Time:    %s\n", health.Time)
	}
	return err
}
