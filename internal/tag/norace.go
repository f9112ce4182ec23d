// +build !race

package tag

const Race = false
