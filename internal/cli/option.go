package cli

// Options is the root command that groups sub-commands. The struct tags are
// interpreted by github.com/jessevdk/go-flags.
type Options struct {
	Config     string `short:"f" long:"config" description:"config file, YAML or JSON with comments"`
	Verbose    bool   `short:"v" long:"verbose" description:"enable debug logging"`
	LoginURL   string `long:"login-url" description:"authorization server, overrides the config"`
	APIVersion string `long:"api-version" description:"API version without the leading v, overrides the config"`

	Listen   *ListenCmd   `command:"listen" description:"Subscribe to topics and print events as JSON lines"`
	Query    *QueryCmd    `command:"query" description:"Run a SOQL query"`
	Describe *DescribeCmd `command:"describe" description:"List object types or describe one"`
	Limits   *LimitsCmd   `command:"limits" description:"Show organization limits"`
	Tokens   *TokensCmd   `command:"get-tokens" description:"Generate access and refresh tokens with the web server OAuth flow"`
	Cursors  *CursorsCmd  `command:"cursors" description:"List or delete stored replay cursors"`
	Version  *VersionCmd  `command:"version" description:"Print the version"`
}

// Init instantiates every sub-command so that go-flags can populate the one
// selected on the command line. Global options may precede the command
// name, so the selection is not known before parsing.
func (o *Options) Init(a *app) {
	o.Listen = &ListenCmd{app: a}
	o.Query = &QueryCmd{app: a}
	o.Describe = &DescribeCmd{app: a}
	o.Limits = &LimitsCmd{app: a}
	o.Tokens = &TokensCmd{app: a}
	o.Cursors = &CursorsCmd{app: a}
	o.Version = &VersionCmd{app: a}
	a.opts = o
}
