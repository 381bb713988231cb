// tokengen выпускает токен доступа для учетной записи внешнего сервиса.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/iurnickita/voucherd/internal/config"
	"github.com/iurnickita/voucherd/internal/model"
	"github.com/iurnickita/voucherd/internal/token"
)

func main() {
	account := flag.String("account", "", "account id")
	role := flag.String("role", string(model.RoleCustomer), "admin, reseller or customer")
	referrer := flag.String("referrer", "", "reseller account that referred the customer")
	ttl := flag.Duration("ttl", 0, "token lifetime, config value if zero")
	flag.Parse()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Token.Secret == "" {
		log.Fatal("token secret is not set (VOUCHERD_TOKEN_SECRET)")
	}

	s, err := token.Build(cfg.Token, model.Actor{
		AccountID: *account,
		Role:      model.Role(*role),
		Referrer:  *referrer,
	}, *ttl)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(s)
}
