package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/refract/refract/refract"
)

const RefractCtlVersion = "1.0.0"

const DefaultManageAddress = "127.0.0.1:5043"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", 0)
}

func main() {
	usage := `Refract server control.

Talks to the management sideband of a running refractd. The default manage
address is 127.0.0.1:5043. Pass --secret when the server requires token
authentication.

Usage:
    refractctl connections [--manage=<addr>] [--secret=<secret>]
    refractctl stats [--manage=<addr>] [--secret=<secret>]
    refractctl shutdown [--manage=<addr>] [--secret=<secret>]
    refractctl add-user [--manage=<addr>] [--secret=<secret>] --user=<user>
        [--pub=<pub>] [--sub=<sub>]
    refractctl update-user [--manage=<addr>] [--secret=<secret>] --uid=<uid>
        --user=<user> [--pub=<pub>] [--sub=<sub>]
    refractctl list-users [--manage=<addr>] [--secret=<secret>]
    refractctl list-projects [--manage=<addr>] [--secret=<secret>]
    refractctl delete-project [--manage=<addr>] [--secret=<secret>] --lpid=<lpid>
    refractctl export [--manage=<addr>] [--secret=<secret>] --lpid=<lpid> <file>
    refractctl import [--manage=<addr>] [--secret=<secret>] --owner=<uid> <file>

Options:
    -h --help            Show this screen.
    --version            Show version.
    --manage=<addr>      Management sideband address.
    --secret=<secret>    Shared manage secret.
    --user=<user>        User name.
    --uid=<uid>          Numeric user id.
    --pub=<pub>          Publish mask, hex or decimal [default: 0x3fff].
    --sub=<sub>          Subscribe mask, hex or decimal [default: 0x3fff].
    --lpid=<lpid>        Local project id.
    --owner=<uid>        Owner uid for the imported project.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RefractCtlVersion)
	if err != nil {
		panic(err)
	}

	client := dial(opts)
	defer client.Close()

	if connections_, _ := opts.Bool("connections"); connections_ {
		connections(client)
	} else if stats_, _ := opts.Bool("stats"); stats_ {
		stats(client)
	} else if shutdown_, _ := opts.Bool("shutdown"); shutdown_ {
		shutdown(client)
	} else if addUser_, _ := opts.Bool("add-user"); addUser_ {
		addUser(client, opts)
	} else if updateUser_, _ := opts.Bool("update-user"); updateUser_ {
		updateUser(client, opts)
	} else if listUsers_, _ := opts.Bool("list-users"); listUsers_ {
		listUsers(client)
	} else if listProjects_, _ := opts.Bool("list-projects"); listProjects_ {
		listProjects(client)
	} else if deleteProject_, _ := opts.Bool("delete-project"); deleteProject_ {
		deleteProject(client, opts)
	} else if export_, _ := opts.Bool("export"); export_ {
		exportProject(client, opts)
	} else if import_, _ := opts.Bool("import"); import_ {
		importProject(client, opts)
	}
}

func dial(opts docopt.Opts) *refract.ManageClient {
	address, err := opts.String("--manage")
	if err != nil || address == "" {
		address = DefaultManageAddress
	}
	secret, _ := opts.String("--secret")

	client, err := refract.DialManage(address, secret, 30*time.Second)
	if err != nil {
		Err.Printf("Could not connect to %s (%s).", address, err)
		os.Exit(1)
	}
	return client
}

func parseMask(opts docopt.Opts, name string) uint32 {
	maskStr, err := opts.String(name)
	if err != nil || maskStr == "" {
		return refract.DefaultPub
	}
	mask, err := strconv.ParseUint(maskStr, 0, 32)
	if err != nil {
		Err.Printf("Bad mask %s (%s).", maskStr, err)
		os.Exit(1)
	}
	return uint32(mask) & refract.FullPermissions
}

func promptPassword(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Printf("Could not read password (%s).", err)
		os.Exit(1)
	}
	return string(password)
}

func connections(client *refract.ManageClient) {
	text, err := client.GetConnections()
	if err != nil {
		Err.Printf("%s", err)
		os.Exit(1)
	}
	Out.Print(text)
}

func stats(client *refract.ManageClient) {
	text, err := client.GetStats()
	if err != nil {
		Err.Printf("%s", err)
		os.Exit(1)
	}
	Out.Print(text)
}

func shutdown(client *refract.ManageClient) {
	if err := client.Shutdown(); err != nil {
		Err.Printf("%s", err)
		os.Exit(1)
	}
	Out.Print("Shutdown requested.")
}

func addUser(client *refract.ManageClient, opts docopt.Opts) {
	user, _ := opts.String("--user")
	password := promptPassword("Password: ")
	confirm := promptPassword("Confirm: ")
	if password != confirm {
		Err.Print("Passwords do not match.")
		os.Exit(1)
	}

	uid, err := client.AddUser(user, password, parseMask(opts, "--pub"), parseMask(opts, "--sub"))
	if err != nil {
		Err.Printf("%s", err)
		os.Exit(1)
	}
	Out.Printf("Added user %s with uid %d.", user, uid)
}

func updateUser(client *refract.ManageClient, opts docopt.Opts) {
	uid, err := opts.Int("--uid")
	if err != nil {
		Err.Print("--uid must be an integer.")
		os.Exit(1)
	}
	user, _ := opts.String("--user")
	password := promptPassword("New password: ")

	if err := client.UpdateUser(uid, user, password, parseMask(opts, "--pub"), parseMask(opts, "--sub")); err != nil {
		Err.Printf("%s", err)
		os.Exit(1)
	}
	Out.Printf("Updated user %d.", uid)
}

func listUsers(client *refract.ManageClient) {
	users, err := client.ListUsers()
	if err != nil {
		Err.Printf("%s", err)
		os.Exit(1)
	}
	Out.Printf("%-6s %-24s %-10s %s", "UID", "User", "Pub", "Sub")
	for _, user := range users {
		Out.Printf("%-6d %-24s %08x   %08x", user.Uid, user.User, user.Pub, user.Sub)
	}
}

func listProjects(client *refract.ManageClient) {
	projects, err := client.ListProjects()
	if err != nil {
		Err.Printf("%s", err)
		os.Exit(1)
	}
	Out.Printf("%-6s %-8s %-34s %-10s %-10s %s", "PID", "Owner", "Hash", "Pub", "Sub", "Description")
	for _, project := range projects {
		description := project.Description
		if 0 < project.SnapUpdateId {
			description = fmt.Sprintf("%s (snapshot @%d)", description, project.SnapUpdateId)
		} else if 0 < project.Parent {
			description = fmt.Sprintf("%s (fork of %d)", description, project.Parent)
		}
		Out.Printf("%-6d %-8d %-34s %08x   %08x   %s",
			project.Lpid, project.Owner, project.Hash, project.Pub, project.Sub, description)
	}
}

func deleteProject(client *refract.ManageClient, opts docopt.Opts) {
	lpid, err := opts.Int("--lpid")
	if err != nil {
		Err.Print("--lpid must be an integer.")
		os.Exit(1)
	}
	if err := client.DeleteProject(lpid); err != nil {
		Err.Printf("%s", err)
		os.Exit(1)
	}
	Out.Printf("Deleted project %d.", lpid)
}

func exportProject(client *refract.ManageClient, opts docopt.Opts) {
	lpid, err := opts.Int("--lpid")
	if err != nil {
		Err.Print("--lpid must be an integer.")
		os.Exit(1)
	}
	path, _ := opts.String("<file>")

	file, err := os.Create(path)
	if err != nil {
		Err.Printf("Could not create %s (%s).", path, err)
		os.Exit(1)
	}
	defer file.Close()

	count, err := client.ExportProject(lpid, file)
	if err != nil {
		Err.Printf("%s", err)
		os.Remove(path)
		os.Exit(1)
	}
	Out.Printf("Exported project %d with %d updates to %s.", lpid, count, path)
}

func importProject(client *refract.ManageClient, opts docopt.Opts) {
	owner, err := opts.Int("--owner")
	if err != nil {
		Err.Print("--owner must be an integer.")
		os.Exit(1)
	}
	path, _ := opts.String("<file>")

	file, err := os.Open(path)
	if err != nil {
		Err.Printf("Could not open %s (%s).", path, err)
		os.Exit(1)
	}
	defer file.Close()

	lpid, count, err := client.ImportProject(file, owner)
	if err != nil {
		Err.Printf("%s", err)
		os.Exit(1)
	}
	Out.Printf("Imported %s as project %d with %d updates.", path, lpid, count)
}
