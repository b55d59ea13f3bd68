// Package config resolves host aliases from an OpenSSH client config file
// (~/.ssh/config and friends) via github.com/kevinburke/ssh_config,
// trimmed to the handful of keywords a publickey/password SFTP client
// actually needs: where to dial, who to authenticate as, which identity
// file to try, and how strict host-key checking should be. Keywords this
// module's Non-goals exclude outright (agent forwarding, X11/TCP
// forwarding, GSSAPI, proxy/tunnel commands, ...) are not modeled.
package config

import (
	"reflect"
	"strconv"

	"github.com/kevinburke/ssh_config"
)

// DefaultFieldSet drives GetOptions, populated from KnownFields at init.
var (
	defaultOptions  *Options
	DefaultFieldSet *FieldSet
	KnownFields     []string
)

// Options holds the subset of ssh_config(5) keywords this module resolves
// a host alias into.
type Options struct {
	Host string

	HostName              string
	Port                  int
	User                  string
	IdentityFile          []string
	IdentitiesOnly        bool
	ConnectTimeout        int
	StrictHostKeyChecking bool
	UserKnownHostsFile    string
	HashKnownHosts        bool

	fieldSet *FieldSet
	isSet    map[string]bool
}

type FieldSet struct {
	Fields         []string
	defaultOptions *Options
}

func (f *FieldSet) GetOptions(host string) *Options {
	opts := &Options{Host: host, fieldSet: f, isSet: make(map[string]bool)}
	opts.populate()
	return opts
}

func NewFieldSet(fields []string) *FieldSet {
	fs := &FieldSet{Fields: fields}
	fs.defaultOptions = fs.GetOptions("*")
	return fs
}

func getString(host, field string) string {
	return ssh_config.Get(host, field)
}

func getStringAll(host, field string) []string {
	return ssh_config.GetAll(host, field)
}

func getBool(host, field string) bool {
	return ssh_config.Get(host, field) == "yes"
}

func getInt(host, field string) int {
	val := ssh_config.Get(host, field)
	if val == "" {
		return 0
	}
	if i, err := strconv.Atoi(val); err == nil {
		return i
	}
	return 0
}

func (o *Options) getField(name string) reflect.Value {
	return reflect.Indirect(reflect.ValueOf(o)).FieldByName(name)
}

// IsSet reports whether fieldName resolved to a value different from the
// one the "*" host resolves to. An explicit keyword whose value equals that
// default reads as unset.
func (o *Options) IsSet(fieldName string) bool {
	return o.isSet[fieldName]
}

func (o *Options) populate() {
	for _, fieldName := range o.fieldSet.Fields {
		field := o.getField(fieldName)
		if !field.CanSet() {
			continue
		}

		if ssh_config.SupportsMultiple(fieldName) {
			field.Set(reflect.ValueOf(getStringAll(o.Host, fieldName)))
		} else {
			switch field.Kind() { //nolint:exhaustive
			case reflect.String:
				field.Set(reflect.ValueOf(getString(o.Host, fieldName)))
			case reflect.Bool:
				field.Set(reflect.ValueOf(getBool(o.Host, fieldName)))
			case reflect.Int:
				field.Set(reflect.ValueOf(getInt(o.Host, fieldName)))
			default:
				continue
			}
		}
		if defaultOptions != nil {
			defaultField := defaultOptions.getField(fieldName)
			o.isSet[fieldName] = !reflect.DeepEqual(field.Interface(), defaultField.Interface())
		}
	}
}

// GetOptions returns an Options struct for the given host alias, resolved
// against DefaultFieldSet (every field this package knows about).
func GetOptions(host string) *Options {
	return DefaultFieldSet.GetOptions(host)
}

func init() {
	opt := Options{}
	obj := reflect.ValueOf(opt)
	KnownFields = []string{}
	for i := 0; i < obj.NumField(); i++ {
		f := obj.Type().Field(i)
		if f.Name == "Host" {
			continue
		}
		KnownFields = append(KnownFields, f.Name)
	}
	DefaultFieldSet = NewFieldSet(KnownFields)
	defaultOptions = DefaultFieldSet.defaultOptions
}
