/*
Copyright © 2020 Leigh MacDonald <leigh.macdonald@gmail.com>

*/
package main

import (
	"github.com/leighmacdonald/magmerge/cmd"
	_ "github.com/leighmacdonald/magmerge/store/memory"
	_ "github.com/leighmacdonald/magmerge/store/mysql"
	_ "github.com/leighmacdonald/magmerge/store/postgres"
	_ "github.com/leighmacdonald/magmerge/store/sqlite"
)

func main() {
	cmd.Execute()
}
