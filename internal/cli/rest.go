package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/ahimsalabs/forcestream-go/forcestream/force"
)

// QueryCmd runs a SOQL query and prints the records as JSON.
type QueryCmd struct {
	All   bool `long:"all" description:"include deleted and archived records"`
	Count bool `long:"count" description:"print only the number of records"`

	Args struct {
		SOQL string `positional-arg-name:"soql" description:"SOQL statement"`
	} `positional-args:"yes" required:"yes"`

	app *app
}

func (c *QueryCmd) Execute(_ []string) error {
	client, err := c.app.restClient()
	if err != nil {
		return err
	}
	ctx := context.Background()
	if c.Count {
		n, err := client.CountQuery(ctx, c.Args.SOQL, c.All)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(c.app.stdout, n)
		return err
	}
	records, err := force.Query[map[string]any](ctx, client, c.Args.SOQL, c.All)
	if err != nil {
		return err
	}
	if records == nil {
		records = []map[string]any{}
	}
	return writeJSON(c.app.stdout, records)
}

// DescribeCmd lists the org's object types, or the fields of one type.
type DescribeCmd struct {
	JSON bool `long:"json" description:"print the full describe result as JSON"`

	Args struct {
		SObject string `positional-arg-name:"sobject" description:"object type to describe; omit to list all types"`
	} `positional-args:"yes"`

	app *app
}

func (c *DescribeCmd) Execute(_ []string) error {
	client, err := c.app.restClient()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if c.Args.SObject == "" {
		global, err := client.DescribeGlobal(ctx)
		if err != nil {
			return err
		}
		if c.JSON {
			return writeJSON(c.app.stdout, global)
		}
		return writeTable(c.app.stdout, []string{"NAME", "LABEL", "CUSTOM", "QUERYABLE"}, len(global.SObjects), func(i int) []any {
			o := global.SObjects[i]
			return []any{o.Name, o.Label, o.Custom, o.Queryable}
		})
	}

	describe, err := client.GetObjectDescribe(ctx, c.Args.SObject)
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSON(c.app.stdout, describe)
	}
	return writeTable(c.app.stdout, []string{"FIELD", "TYPE", "LABEL", "NILLABLE"}, len(describe.Fields), func(i int) []any {
		f := describe.Fields[i]
		return []any{f.Name, f.Type, f.Label, f.Nillable}
	})
}

// LimitsCmd prints the organization limits.
type LimitsCmd struct {
	JSON bool `long:"json" description:"print the limits as JSON"`

	app *app
}

func (c *LimitsCmd) Execute(_ []string) error {
	client, err := c.app.restClient()
	if err != nil {
		return err
	}
	limits, err := client.GetOrganizationLimits(context.Background())
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSON(c.app.stdout, limits)
	}
	names := make([]string, 0, len(limits))
	for name := range limits {
		names = append(names, name)
	}
	slices.Sort(names)
	return writeTable(c.app.stdout, []string{"LIMIT", "REMAINING", "MAX"}, len(names), func(i int) []any {
		l := limits[names[i]]
		return []any{names[i], l.Remaining, l.Max}
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeTable prints n rows under header, aligned in columns.
func writeTable(w io.Writer, header []string, n int, row func(i int) []any) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for i := range n {
		cells := row(i)
		parts := make([]string, len(cells))
		for j, cell := range cells {
			parts[j] = fmt.Sprint(cell)
		}
		fmt.Fprintln(tw, strings.Join(parts, "\t"))
	}
	return tw.Flush()
}
