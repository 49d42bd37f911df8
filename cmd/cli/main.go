// Command dg is a CLI client for the document governance service.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	grpcserver "github.com/and161185/docgov/internal/server/grpc"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	grpcinsecure "google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "docgov")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "docgov")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (login required)")
	}
	return tf.AccessToken, nil
}

// tokenExpiry reads exp from a JWT without verifying it; the server is the verifier.
func tokenExpiry(tok string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return time.Time{}, fmt.Errorf("not a jwt: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Now().Add(12 * time.Hour), nil
	}
	return claims.ExpiresAt.Time, nil
}

// ---- grpc dial ----

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

func dial(addr, caPath string, skipVerify, plaintext bool) (*grpc.ClientConn, error) {
	creds := grpcinsecure.NewCredentials()
	if !plaintext {
		var err error
		if creds, err = loadTLS(caPath, skipVerify); err != nil {
			return nil, err
		}
	}
	return grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
}

// ---- commands ----

type argKind int

const (
	kindString argKind = iota
	kindInt
	kindBool
)

// argSpec binds a command-line flag to a request key; dotted keys build nested objects.
type argSpec struct {
	flag  string
	key   string
	kind  argKind
	usage string
}

type command struct {
	method string
	help   string
	args   []argSpec
}

var (
	argDoc      = argSpec{"doc", "documentId", kindString, "document id"}
	argDef      = argSpec{"def", "definitionId", kindString, "workflow definition id"}
	argInstance = argSpec{"instance", "instanceId", kindString, "workflow instance id"}
	argOrder    = argSpec{"order", "order", kindInt, "step order (1-based)"}
)

var commands = map[string]command{
	"whoami": {method: "WhoAmI", help: "show the authenticated principal"},

	"doc-create": {method: "CreateDocument", help: "register a draft document", args: []argSpec{
		{"title", "title", kindString, "document title"},
		{"parent", "parentId", kindString, "parent folder id"},
		{"department", "departmentId", kindString, "owning department id"},
		{"retention", "retentionPolicyId", kindString, "retention policy id"},
	}},
	"doc-get":      {method: "GetDocument", help: "show a document", args: []argSpec{argDoc}},
	"doc-delete":   {method: "DeleteDocument", help: "soft-delete a document", args: []argSpec{argDoc}},
	"doc-publish":  {method: "PublishDocument", help: "publish an approved document", args: []argSpec{argDoc}},
	"doc-archive":  {method: "ArchiveDocument", help: "archive a document", args: []argSpec{argDoc}},
	"doc-versions": {method: "ListVersions", help: "list recorded versions", args: []argSpec{argDoc}},
	"doc-history":  {method: "DocumentHistory", help: "show the verified audit trail", args: []argSpec{argDoc}},
	"hold": {method: "SetLegalHold", help: "place or lift a legal hold", args: []argSpec{
		argDoc,
		{"on", "on", kindBool, "true places the hold, false lifts it"},
		{"reason", "reason", kindString, "hold reason (required to place)"},
	}},
	"retention-apply": {method: "ApplyRetentionPolicy", help: "apply a retention policy", args: []argSpec{
		argDoc, {"policy", "policyId", kindString, "policy id"},
	}},
	"retention-expired": {method: "ListRetentionExpired", help: "list documents past retention"},

	"checkout": {method: "Checkout", help: "acquire or extend the edit lock", args: []argSpec{
		argDoc, {"hours", "durationHours", kindInt, "lock duration in hours (0 = default)"},
	}},
	"checkin": {method: "Checkin", help: "release the lock, optionally recording a version", args: []argSpec{
		argDoc,
		{"content", "contentRef", kindString, "content reference of the new version"},
		{"comment", "comment", kindString, "version comment"},
	}},
	"checkout-cancel": {method: "CancelCheckout", help: "release the lock without a version", args: []argSpec{argDoc}},
	"lock":            {method: "GetLock", help: "show the active lock", args: []argSpec{argDoc}},

	"grant": {method: "GrantPermission", help: "grant a level to a user, role or department", args: []argSpec{
		argDoc,
		{"user", "subject.userId", kindString, "grantee user id"},
		{"role", "subject.roleName", kindString, "grantee role"},
		{"department", "subject.departmentId", kindString, "grantee department id"},
		{"level", "level", kindString, "viewer, contributor, editor or manager"},
		{"children", "appliesToChildren", kindBool, "inherit to child documents"},
	}},
	"revoke": {method: "RevokePermission", help: "revoke a grant", args: []argSpec{
		{"grant", "grantId", kindString, "grant id"},
	}},
	"effective": {method: "ResolveEffective", help: "resolve the effective permission", args: []argSpec{
		argDoc, {"user", "userId", kindString, "target user (default: caller)"},
	}},
	"grants": {method: "ListGrants", help: "list grants on a document", args: []argSpec{
		argDoc, {"all", "includeRevoked", kindBool, "include revoked grants"},
	}},

	"def-create": {method: "CreateDefinition", help: "create a workflow definition (steps via -f)", args: []argSpec{
		{"code", "code", kindString, "definition code"},
		{"name", "name", kindString, "definition name"},
		{"default", "isDefault", kindBool, "make it the company default"},
	}},
	"def-update": {method: "UpdateDefinition", help: "patch a workflow definition (steps via -f)", args: []argSpec{
		argDef,
		{"name", "name", kindString, "definition name"},
		{"default", "isDefault", kindBool, "make it the company default"},
	}},
	"def-list":       {method: "ListDefinitions", help: "list workflow definitions"},
	"def-get":        {method: "GetDefinition", help: "show a workflow definition", args: []argSpec{argDef}},
	"def-delete":     {method: "DeleteDefinition", help: "delete a workflow definition", args: []argSpec{argDef}},
	"def-activate":   {method: "ActivateDefinition", help: "activate a definition", args: []argSpec{argDef}},
	"def-deactivate": {method: "DeactivateDefinition", help: "deactivate a definition", args: []argSpec{argDef}},
	"def-move": {method: "MoveStep", help: "move a step up or down", args: []argSpec{
		argDef, argOrder, {"dir", "direction", kindString, "up or down"},
	}},
	"def-add-step": {method: "AddStep", help: "append a step (step object via -f)", args: []argSpec{
		argDef,
		{"type", "step.type", kindString, "approval, review or acknowledgment"},
		{"assignee", "step.assignee.type", kindString, "role, user, manager or department_head"},
		{"value", "step.assignee.value", kindString, "role name or user id"},
		{"parallel", "step.parallel", kindBool, "one task per resolved user"},
		{"timeout", "step.timeoutHours", kindInt, "due time in hours"},
	}},
	"def-remove-step": {method: "RemoveStep", help: "remove a step", args: []argSpec{argDef, argOrder}},

	"wf-start": {method: "StartWorkflow", help: "start a workflow on a document", args: []argSpec{
		argDoc, {"def", "definitionId", kindString, "definition id (default: company default)"},
	}},
	"decide": {method: "DecideTask", help: "approve or reject a task", args: []argSpec{
		{"task", "taskId", kindString, "task id"},
		{"decision", "decision", kindString, "approved or rejected"},
		{"notes", "notes", kindString, "decision notes"},
	}},
	"wf-cancel": {method: "CancelWorkflow", help: "cancel a workflow", args: []argSpec{
		argInstance, {"reason", "reason", kindString, "cancellation reason"},
	}},
	"wf-get":   {method: "GetInstance", help: "show a workflow instance", args: []argSpec{argInstance}},
	"wf-tasks": {method: "ListTasks", help: "list an instance's tasks", args: []argSpec{argInstance}},
	"my-tasks": {method: "ListMyTasks", help: "list your pending tasks"},
	"overdue": {method: "ListOverdueTasks", help: "list overdue tasks (admin)", args: []argSpec{
		{"limit", "limit", kindInt, "max rows"},
	}},
}

// buildRequest parses the command flags into a request body. -f seeds the body from a JSON
// file ("-" reads stdin); explicitly set flags override it.
func buildRequest(name string, c command, args []string) (*structpb.Struct, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	file := fs.String("f", "", "JSON request body file")
	vals := make(map[string]*string, len(c.args))
	for _, a := range c.args {
		vals[a.flag] = fs.String(a.flag, "", a.usage)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	body := map[string]any{}
	if *file != "" {
		raw, err := readAll(*file)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("parse %s: %w", *file, err)
		}
	}

	var err error
	fs.Visit(func(f *flag.Flag) {
		if err != nil || f.Name == "f" {
			return
		}
		for _, a := range c.args {
			if a.flag != f.Name {
				continue
			}
			var v any
			if v, err = convertArg(a, *vals[a.flag]); err == nil {
				setPath(body, a.key, v)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(body)
}

func convertArg(a argSpec, raw string) (any, error) {
	switch a.kind {
	case kindInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("-%s: %w", a.flag, err)
		}
		return float64(n), nil
	case kindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("-%s: %w", a.flag, err)
		}
		return b, nil
	}
	return raw, nil
}

func setPath(m map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printStruct(w io.Writer, s *structpb.Struct) error {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// describeErr renders an RPC failure; lock conflicts name the holder.
func describeErr(err error) string {
	s, ok := status.FromError(err)
	if !ok {
		return err.Error()
	}
	msg := fmt.Sprintf("rpc error: code=%s msg=%s", s.Code(), s.Message())
	if holder, ok := grpcserver.LockHolder(err); ok {
		msg += " holder=" + holder.String()
	}
	return msg
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, describeErr(err))
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, `dg CLI
Usage:
  dg -addr HOST:PORT [-cacert file | -insecure | -plaintext] <cmd> [flags]

Commands:
  version
  login      -token <jwt>                      (saves token)
  logout
  call       <Method> [-f body.json]           (raw call)
`)
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		c := commands[n]
		var flags []string
		for _, a := range c.args {
			flags = append(flags, "-"+a.flag)
		}
		fmt.Fprintf(os.Stderr, "  %-18s %s %s\n", n, c.help, strings.Join(flags, " "))
	}
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands and configures TLS/auth for RPC calls.
func main() {
	// global flags
	addr := flag.String("addr", "localhost:8443", "server addr")
	caPath := flag.String("cacert", "", "CA cert (PEM)")
	skipVerify := flag.Bool("insecure", false, "skip cert verify (dev)")
	plaintext := flag.Bool("plaintext", false, "no TLS (dev)")
	timeout := flag.Duration("timeout", 30*time.Second, "call timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)

	switch cmd {
	case "version":
		fmt.Printf("dg %s (%s)\n", version, buildDate)
		return

	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		tok := fs.String("token", "", "access token (from dg-server -mint-token)")
		_ = fs.Parse(flag.Args()[1:])
		if *tok == "" {
			fmt.Fprintln(os.Stderr, "need -token")
			os.Exit(1)
		}
		exp, err := tokenExpiry(*tok)
		if err != nil {
			fail(err)
		}
		if err := saveToken(*tok, exp); err != nil {
			fail(err)
		}
		fmt.Println("ok")
		return

	case "logout":
		if err := os.Remove(tokenPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			fail(err)
		}
		fmt.Println("ok")
		return
	}

	var (
		method string
		req    *structpb.Struct
		err    error
	)
	if cmd == "call" {
		if flag.NArg() < 2 {
			usage()
		}
		method = flag.Arg(1)
		req, err = buildRequest(cmd, command{method: method}, flag.Args()[2:])
	} else {
		c, ok := commands[cmd]
		if !ok {
			usage()
		}
		method = c.method
		req, err = buildRequest(cmd, c, flag.Args()[1:])
	}
	if err != nil {
		fail(err)
	}

	token, err := loadToken()
	if err != nil {
		fail(err)
	}
	conn, err := dial(*addr, *caPath, *skipVerify, *plaintext)
	if err != nil {
		fail(err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	out, err := grpcserver.NewClient(conn, token).Call(ctx, method, req)
	if err != nil {
		fail(err)
	}
	if err := printStruct(os.Stdout, out); err != nil {
		fail(err)
	}
}
