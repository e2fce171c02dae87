package mainboilerplate

import "github.com/jessevdk/go-flags"

// AddCommandFunc registers a sub-command with a parent.
type AddCommandFunc func(*flags.Command) error

// CommandRegistry builds a tree of go-flags commands. Commands register
// themselves, typically from init(), under the dotted name of their parent.
type CommandRegistry map[string][]AddCommandFunc

// NewCommandRegistry returns an empty CommandRegistry.
func NewCommandRegistry() CommandRegistry {
	return make(CommandRegistry)
}

// AddCommand registers a command under |parentName|, where "" is the root
// and "a.b" names sub-command "b" of command "a".
func (cr CommandRegistry) AddCommand(parentName, command, shortDescription, longDescription string, data interface{}) {
	cr[parentName] = append(cr[parentName], func(cmd *flags.Command) error {
		_, err := cmd.AddCommand(command, shortDescription, longDescription, data)
		return err
	})
}

// AddCommands adds commands registered under |rootName| to |rootCmd|, and
// then recursively adds registered sub-commands of each.
func (cr CommandRegistry) AddCommands(rootName string, rootCmd *flags.Command) error {
	for _, fn := range cr[rootName] {
		if err := fn(rootCmd); err != nil {
			return err
		}
	}
	for _, cmd := range rootCmd.Commands() {
		var name = cmd.Name
		if rootName != "" {
			name = rootName + "." + name
		}
		if err := cr.AddCommands(name, cmd); err != nil {
			return err
		}
	}
	return nil
}
