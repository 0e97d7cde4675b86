package builtin

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/helperbridge/internal/plugin"
)

// TaskTools exposes the scheduler over chat commands.
func TaskTools() plugin.Factory {
	return func() plugin.Plugin { return &taskPlugin{} }
}

type taskPlugin struct {
	plugin.Base
}

func (p *taskPlugin) Name() string        { return "tasktools" }
func (p *taskPlugin) Description() string { return "scheduled task management" }

func (p *taskPlugin) Commands() []plugin.CommandSpec {
	return []plugin.CommandSpec{{
		Name:  "task",
		Usage: "/task list|add|del|on|off|run",
		Help:  "manage scheduled tasks",
		Run:   p.cmdTask,
	}}
}

func (p *taskPlugin) cmdTask(c *plugin.Context, args []string) error {
	svc := c.Deps.Tasks
	if svc == nil {
		return c.Reply("Task scheduling is not available.")
	}
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "list", "ls":
		return p.list(c, svc)
	case "add":
		return p.add(c, svc, args[1:])
	case "del", "rm", "delete":
		if len(args) < 2 {
			return c.Reply("Usage: /task del <id>")
		}
		id, err := resolveTaskID(svc, args[1])
		if err != nil {
			return err
		}
		if err := svc.DeleteTask(id); err != nil {
			return err
		}
		return c.Reply("Task deleted.")
	case "on", "off":
		if len(args) < 2 {
			return c.Reply("Usage: /task " + args[0] + " <id>")
		}
		id, err := resolveTaskID(svc, args[1])
		if err != nil {
			return err
		}
		if err := svc.SetTaskEnabled(id, args[0] == "on"); err != nil {
			return err
		}
		return c.Reply("Task updated.")
	case "run":
		if len(args) < 2 {
			return c.Reply("Usage: /task run <id>")
		}
		id, err := resolveTaskID(svc, args[1])
		if err != nil {
			return err
		}
		if err := svc.RunTaskNow(c.Ctx, id); err != nil {
			return err
		}
		return c.Reply("Task executed.")
	default:
		return c.Reply("Usage: /task list|add|del|on|off|run")
	}
}

func (p *taskPlugin) list(c *plugin.Context, svc plugin.TaskService) error {
	tasks := svc.Tasks()
	if len(tasks) == 0 {
		return c.Reply("No tasks scheduled.")
	}
	var lines []string
	for _, t := range tasks {
		state := "on"
		if !t.Enabled {
			state = "off"
		}
		line := fmt.Sprintf("%s [%s] %s -> %s (%s)", shortID(t.ID), state, t.Schedule, t.Command, t.Name)
		if !t.LastRunAt.IsZero() {
			line += " last: " + t.LastRunAt.Format("01-02 15:04")
		}
		lines = append(lines, line)
	}
	return c.Reply(strings.Join(lines, "\n"))
}

// add parses "/task add <schedule> <command...>" where a schedule is either
// a cron expression in quotes or a HH:MM shorthand.
func (p *taskPlugin) add(c *plugin.Context, svc plugin.TaskService, args []string) error {
	if len(args) < 2 {
		return c.Reply("Usage: /task add <HH:MM|\"cron expr\"> <command>")
	}
	schedule := args[0]
	rest := args[1:]
	if strings.HasPrefix(schedule, "\"") {
		// Re-join a quoted cron expression split by word.
		joined := strings.Join(args, " ")
		end := strings.Index(joined[1:], "\"")
		if end < 0 {
			return c.Reply("Unterminated quote in schedule.")
		}
		schedule = joined[1 : end+1]
		rest = strings.Fields(joined[end+2:])
	}
	if len(rest) == 0 {
		return c.Reply("Task needs a command to run.")
	}
	command := strings.Join(rest, " ")
	task, err := svc.AddTask("", schedule, command)
	if err != nil {
		return err
	}
	return c.Reply(fmt.Sprintf("Task %s scheduled: %s -> %s", shortID(task.ID), task.Schedule, task.Command))
}

// resolveTaskID accepts a full task id or a unique prefix of one.
func resolveTaskID(svc plugin.TaskService, ref string) (string, error) {
	var match string
	for _, t := range svc.Tasks() {
		if t.ID == ref {
			return t.ID, nil
		}
		if strings.HasPrefix(t.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("tasktools: id %q is ambiguous", ref)
			}
			match = t.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("tasktools: no task matches %q", ref)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
