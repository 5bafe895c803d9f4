package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"alertd/internal/config"
	"alertd/internal/database"
	"alertd/internal/protocol"
)

type options struct {
	configFile string
	socket     string
	debug      bool

	send          bool
	resolve       bool
	register      string
	deregister    string
	override      bool
	clearOverride bool
	list          bool
	listTypes     bool
	listOverrides bool

	typeName    string
	level       string
	autoResolve bool
	user        string
	origin      string
	basename    string
	uuid        string
	desc        string
	resolved    bool
	limit       int
}

func main() {
	var opts options
	flag.StringVar(&opts.configFile, "config", "/etc/alertd/alertd.yaml", "Configuration file path")
	flag.StringVar(&opts.socket, "socket", "", "Event socket path, overrides the configuration")
	flag.BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	flag.BoolVar(&opts.send, "send", false, "Send an alert")
	flag.BoolVar(&opts.resolve, "resolve", false, "Mark all alerts of -type as resolved")
	flag.StringVar(&opts.register, "register", "", "Register a client alert type")
	flag.StringVar(&opts.deregister, "deregister", "", "Remove a client alert type")
	flag.BoolVar(&opts.override, "override", false, "Force the level of -type to -level")
	flag.BoolVar(&opts.clearOverride, "clear-override", false, "Remove the level override of -type")
	flag.BoolVar(&opts.list, "list", false, "List alerts")
	flag.BoolVar(&opts.listTypes, "list-types", false, "List alert types")
	flag.BoolVar(&opts.listOverrides, "list-overrides", false, "List level overrides")

	flag.StringVar(&opts.typeName, "type", "", "Alert type name")
	flag.StringVar(&opts.level, "level", "NORM", "Alert level: NORM, WARN, CRIT (IGNORE for -override)")
	flag.BoolVar(&opts.autoResolve, "auto-resolve", false, "Set the auto-resolve flag")
	flag.StringVar(&opts.user, "user", "", "User name or uid, defaults to the effective uid")
	flag.StringVar(&opts.origin, "origin", "alertctl", "Alert origin")
	flag.StringVar(&opts.basename, "basename", "", "Alert basename")
	flag.StringVar(&opts.uuid, "uuid", "", "Alert uuid")
	flag.StringVar(&opts.desc, "desc", "", "Alert description; remaining arguments are appended")
	flag.BoolVar(&opts.resolved, "resolved", false, "Include resolved alerts in -list")
	flag.IntVar(&opts.limit, "limit", 0, "Maximum number of alerts to list")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logrus.SetOutput(os.Stderr)
	if opts.debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if err := run(&opts, flag.Args()); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

func run(opts *options, args []string) error {
	modes := 0
	for _, set := range []bool{
		opts.send, opts.resolve, opts.register != "", opts.deregister != "",
		opts.override, opts.clearOverride, opts.list, opts.listTypes, opts.listOverrides,
	} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		flag.Usage()
		return errors.New("exactly one mode must be given")
	}

	client, err := connect(opts)
	if err != nil {
		return err
	}
	defer client.Close()

	switch {
	case opts.send:
		return sendAlert(client, opts, description(opts.desc, args))
	case opts.resolve:
		id, err := lookupType(client, opts.typeName)
		if err != nil {
			return err
		}
		count, err := client.MarkAsResolved(id)
		if err != nil {
			return err
		}
		fmt.Printf("Resolved %d alert(s) of type %s\n", count, opts.typeName)
	case opts.register != "":
		id, err := client.RegisterType(opts.register)
		if err != nil {
			return err
		}
		fmt.Printf("Registered %s as type %d\n", opts.register, id)
	case opts.deregister != "":
		if err := client.DeregisterType(opts.deregister); err != nil {
			if protocol.IsNotFound(err) {
				return fmt.Errorf("type %s is not registered", opts.deregister)
			}
			return err
		}
		fmt.Printf("Deregistered %s\n", opts.deregister)
	case opts.override:
		id, err := lookupType(client, opts.typeName)
		if err != nil {
			return err
		}
		level, err := database.ParseLevel(opts.level, true)
		if err != nil {
			return err
		}
		return client.SetOverride(id, level)
	case opts.clearOverride:
		id, err := lookupType(client, opts.typeName)
		if err != nil {
			return err
		}
		if err := client.ClearOverride(id); err != nil {
			if protocol.IsNotFound(err) {
				return fmt.Errorf("type %s has no override", opts.typeName)
			}
			return err
		}
	case opts.list:
		return listAlerts(client, opts)
	case opts.listTypes:
		return listTypes(client)
	case opts.listOverrides:
		return listOverrides(client)
	}
	return nil
}

// connect finds the socket from -socket or the configuration and negotiates.
func connect(opts *options) (*protocol.Client, error) {
	path := opts.socket
	attempts := 5
	timeout := 10 * time.Second

	if path == "" {
		cfg, err := config.Load(opts.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		path = cfg.Sockets.Events
		attempts = cfg.Sockets.ConnectAttempts
		timeout = cfg.Sockets.Timeout
	}

	logrus.WithField("socket", path).Debug("Connecting to alertd")
	client, err := protocol.Dial(path, attempts, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	logrus.WithField("version", fmt.Sprintf("%#x", client.Version())).Debug("Protocol version accepted")
	return client, nil
}

func sendAlert(client *protocol.Client, opts *options, desc string) error {
	if desc == "" {
		return errors.New("an alert needs a description")
	}
	id, err := lookupType(client, opts.typeName)
	if err != nil {
		return err
	}
	level, err := database.ParseLevel(opts.level, false)
	if err != nil {
		return err
	}
	if opts.autoResolve {
		level |= database.FlagAutoResolve
	}

	uid := uint32(os.Geteuid())
	if opts.user != "" {
		if uid, err = resolveUser(opts.user); err != nil {
			return err
		}
	}

	alert := &database.Alert{
		Flags:    level,
		Type:     id,
		User:     uid,
		Origin:   opts.origin,
		Basename: opts.basename,
		UUID:     opts.uuid,
		Desc:     desc,
	}
	if groups, err := os.Getgroups(); err == nil {
		for _, g := range groups {
			alert.Groups = append(alert.Groups, uint32(g))
		}
	}

	alertID, err := client.InsertAlert(alert)
	if err != nil {
		return err
	}
	if alertID == 0 {
		fmt.Println("Alert suppressed by override")
	} else {
		fmt.Printf("Alert #%d stored\n", alertID)
	}
	return nil
}

func lookupType(client *protocol.Client, name string) (uint32, error) {
	if name == "" {
		return 0, errors.New("-type is required")
	}
	types, err := client.ListTypes()
	if err != nil {
		return 0, err
	}
	for _, t := range types {
		if t.Name == name {
			return t.ID, nil
		}
	}
	return 0, fmt.Errorf("unknown alert type %s, try -list-types", name)
}

func typeNames(client *protocol.Client) (map[uint32]string, error) {
	types, err := client.ListTypes()
	if err != nil {
		return nil, err
	}
	names := make(map[uint32]string, len(types))
	for _, t := range types {
		names[t.ID] = t.Name
	}
	return names, nil
}

func listAlerts(client *protocol.Client, opts *options) error {
	names, err := typeNames(client)
	if err != nil {
		return err
	}

	query := database.AlertQuery{Resolved: opts.resolved, Limit: opts.limit}
	if opts.typeName != "" {
		id, err := lookupType(client, opts.typeName)
		if err != nil {
			return err
		}
		query.Type = id
	}

	alerts, err := client.SelectAlerts(query)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Println("No alerts in database.")
		return nil
	}
	for i := range alerts {
		fmt.Println(formatAlert(&alerts[i], names[alerts[i].Type], time.Local))
	}
	return nil
}

func listTypes(client *protocol.Client) error {
	types, err := client.ListTypes()
	if err != nil {
		return err
	}
	fmt.Println("Alert Types:")
	for _, t := range types {
		kind := "static"
		if t.IsRegistered() {
			kind = "registered"
		}
		fmt.Printf("  %6d  %-30s %s\n", t.ID, t.Name, kind)
	}
	return nil
}

func listOverrides(client *protocol.Client) error {
	names, err := typeNames(client)
	if err != nil {
		return err
	}
	overrides, err := client.ListOverrides()
	if err != nil {
		return err
	}
	if len(overrides) == 0 {
		fmt.Println("No overrides.")
		return nil
	}
	for _, o := range overrides {
		name := names[o.Type]
		if name == "" {
			name = fmt.Sprintf("#%d", o.Type)
		}
		fmt.Printf("  %-30s %s\n", name, database.LevelName(o.Flags))
	}
	return nil
}
