package login

import "strings"

// PFSense matches the pfSense captive portal (auth_user, auth_pass, accept).
type PFSense struct{}

func (PFSense) Name() string { return "pfsense" }

func (PFSense) Find(page *Page) (*Match, bool) {
	for i := range page.Forms {
		f := &page.Forms[i]
		user, okUser := f.Field("auth_user")
		pass, okPass := f.Field("auth_pass")
		if okUser && okPass {
			m := &Match{Form: f, UserField: user.Name, SecretField: pass.Name}
			if !f.Has("accept") {
				m.Extra = map[string]string{"accept": "Continue"}
			}
			return m, true
		}
	}
	return nil, false
}

// FortiGate matches the FortiGate firewall authentication page, which
// carries a hidden "magic" token beside username and password.
type FortiGate struct{}

func (FortiGate) Name() string { return "fortigate" }

func (FortiGate) Find(page *Page) (*Match, bool) {
	for i := range page.Forms {
		f := &page.Forms[i]
		user, okUser := f.Field("username")
		pass, okPass := f.Field("password")
		if f.Has("magic") && okUser && okPass {
			return &Match{Form: f, UserField: user.Name, SecretField: pass.Name}, true
		}
	}
	return nil, false
}

var userHints = []string{"user", "login", "email", "name", "id"}

// Generic picks the first form with a password input or a
// credential-named field.
type Generic struct{}

func (Generic) Name() string { return "generic" }

func (Generic) Find(page *Page) (*Match, bool) {
	for i := range page.Forms {
		f := &page.Forms[i]
		secret := f.PasswordField()
		if secret == "" {
			secret = namedField(f, []string{"pass", "pwd"}, textual)
		}
		user := namedField(f, userHints, func(typ string) bool {
			return typ == "text" || typ == "email"
		})
		if secret == "" && user == "" {
			continue
		}
		return &Match{Form: f, UserField: user, SecretField: secret}, true
	}
	return nil, false
}

func textual(typ string) bool {
	return typ == "text" || typ == "password" || typ == "hidden"
}

func namedField(f *Form, hints []string, typeOK func(string) bool) string {
	for _, h := range hints {
		for _, fl := range f.Fields {
			if fl.Name == "" || !typeOK(fl.Type) {
				continue
			}
			if strings.Contains(strings.ToLower(fl.Name), h) {
				return fl.Name
			}
		}
	}
	return ""
}
