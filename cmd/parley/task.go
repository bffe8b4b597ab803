package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/parley/internal/models"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage pipeline tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add [input...]",
	Short: "Queue user input as a new task",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskWaitCmd = &cobra.Command{
	Use:   "wait [task-id]",
	Short: "Wait for a task to finish or be cancelled",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskWait,
}

var taskPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove the oldest finished tasks",
	RunE:  runTaskPrune,
}

var taskJournalCmd = &cobra.Command{
	Use:   "journal [task-id]",
	Short: "Show the journal of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskJournal,
}

var interruptCmd = &cobra.Command{
	Use:   "interrupt",
	Short: "Interrupt the current task",
	RunE:  runInterrupt,
}

var (
	taskStatus  string
	waitTimeout string
	maxRetain   int
	journalMax  int
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskWaitCmd, taskPruneCmd, taskJournalCmd)

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (created, llm_started, llm_finished, task_finished, pending_interruption, cancelled)")
	taskWaitCmd.Flags().StringVar(&waitTimeout, "timeout", "", "Maximum wait, e.g. 10s (server default when empty)")
	taskPruneCmd.Flags().IntVar(&maxRetain, "max", -1, "Finished tasks to keep (daemon default when negative)")
	taskJournalCmd.Flags().IntVar(&journalMax, "limit", 50, "Maximum entries")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/tasks", map[string]string{"input": strings.Join(args, " ")})
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}

	fmt.Printf("Created task: %s\n", task.ID)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	path := "/tasks"
	if taskStatus != "" {
		path += "?status=" + url.QueryEscape(taskStatus)
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var tasks []models.Task
	if err := json.Unmarshal(resp, &tasks); err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tUNITS\tINPUT")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", truncateID(t.ID), t.Status, len(t.Response), truncate(t.Input, 50))
	}
	w.Flush()
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tasks/" + args[0])
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}
	printTask(task)
	return nil
}

func printTask(task models.Task) {
	fmt.Printf("ID:       %s\n", task.ID)
	fmt.Printf("Input:    %s\n", task.Input)
	fmt.Printf("Status:   %s\n", task.Status)
	fmt.Printf("Created:  %s\n", task.CreatedAt.Format("2006-01-02 15:04:05"))
	if task.FinishedAt != nil {
		fmt.Printf("Finished: %s\n", task.FinishedAt.Format("2006-01-02 15:04:05"))
	}
	for _, st := range models.AllStages {
		if acked, ok := task.InterruptionState[st]; ok {
			fmt.Printf("Interruption %-5s acknowledged=%v\n", st+":", acked)
		}
	}

	if len(task.Response) == 0 {
		return
	}
	fmt.Println("\n--- RESPONSE ---")
	for i, u := range task.Response {
		audio := "-"
		if u.Audio != "" {
			audio = u.Audio
		}
		fmt.Printf("%2d [audio %s, played %v] %s\n", i, audio, u.PlaybackFinished, u.Text)
	}
}

func runTaskWait(cmd *cobra.Command, args []string) error {
	path := "/tasks/" + args[0] + "/wait"
	if waitTimeout != "" {
		path += "?timeout=" + url.QueryEscape(waitTimeout)
	}

	status, resp, err := apiGetStatus(path)
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}
	if status == 202 {
		fmt.Printf("Still %s after timeout\n", task.Status)
		return nil
	}
	fmt.Printf("Task %s: %s\n", truncateID(task.ID), task.Status)
	if text := task.ResponseText(); text != "" {
		fmt.Println(text)
	}
	return nil
}

func runTaskPrune(cmd *cobra.Command, args []string) error {
	var body interface{}
	if maxRetain >= 0 {
		body = map[string]int{"max_retain": maxRetain}
	}
	resp, err := apiPost("/tasks/prune", body)
	if err != nil {
		return err
	}

	var result struct {
		Removed   int `json:"removed"`
		Remaining int `json:"remaining"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}
	fmt.Printf("Removed %d finished tasks, %d remaining\n", result.Removed, result.Remaining)
	return nil
}

func runTaskJournal(cmd *cobra.Command, args []string) error {
	resp, err := apiGet(fmt.Sprintf("/tasks/%s/journal?limit=%d", args[0], journalMax))
	if err != nil {
		return err
	}
	return printJournal(resp)
}

func printJournal(resp []byte) error {
	var entries []models.JournalEntry
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No journal entries")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tTASK\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format("15:04:05.000"), e.Action, e.Outcome, truncateID(e.TaskID), truncate(e.Details, 60))
	}
	w.Flush()
	return nil
}

func runInterrupt(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/interrupt", nil)
	if err != nil {
		return err
	}

	var result struct {
		TaskID      string `json:"task_id"`
		Interrupted bool   `json:"interrupted"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}
	switch {
	case result.Interrupted:
		fmt.Printf("Interrupted task %s\n", result.TaskID)
	case result.TaskID != "":
		fmt.Printf("Task %s is already being interrupted\n", result.TaskID)
	default:
		fmt.Println("No active task")
	}
	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
