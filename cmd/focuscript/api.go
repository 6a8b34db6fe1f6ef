package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codename/focuscript/artifact"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Print the bundled API artifact",
	Long: `Print the API artifact scripts are compiled against.

With --schema the JSON schema of the artifact format is printed instead.
With --namespace only the symbols of that namespace are listed.`,
	Args: cobra.NoArgs,
	Run:  runAPI,
}

func init() {
	apiCmd.Flags().Bool("schema", false, "Print the artifact JSON schema")
	apiCmd.Flags().StringP("namespace", "n", "", "List symbols of one namespace")
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) {
	schema, _ := cmd.Flags().GetBool("schema")
	namespace, _ := cmd.Flags().GetString("namespace")

	if err := writeAPI(os.Stdout, schema, namespace); err != nil {
		fatal(err)
	}
}

func writeAPI(w io.Writer, schema bool, namespace string) error {
	switch {
	case schema:
		data, err := artifact.Schema()
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	case namespace != "":
		a, err := artifact.Embedded()
		if err != nil {
			return err
		}
		ns, ok := a.Namespace(namespace)
		if !ok {
			return fmt.Errorf("unknown namespace %q (have %s)", namespace, strings.Join(a.Namespaces(), ", "))
		}
		for _, m := range ns.Members {
			sig := namespace + "." + m.Name + "(" + strings.Join(m.Params, ", ") + ")"
			fmt.Fprintf(w, "%-36s %s\n", sig, m.Doc)
		}
		return nil
	default:
		_, err := w.Write(artifact.Raw())
		return err
	}
}
