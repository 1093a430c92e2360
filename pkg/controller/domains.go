package controller

import (
	"encoding/base64"
	"errors"

	"github.com/google/uuid"
	"github.com/twentyft/laksa/pkg/bus"
	"github.com/twentyft/laksa/pkg/log"
	"github.com/twentyft/laksa/pkg/model"
	"github.com/twentyft/laksa/pkg/storage"
)

// prepareDomain starts the two-phase ownership proof: allocate a token
// the caller must publish as a TXT record, and persist the pending
// claim.
func (c *Controller) prepareDomain(msg *bus.Message) error {
	domain := msg.Params.Str("domain")
	if domain == "" {
		return Validation("Need a domain name")
	}
	sess, err := c.ensureSession(msg.RID)
	if err != nil {
		return err
	}

	user := string(sess.PK)
	if c.model.Domains[user] == nil {
		c.model.Domains[user] = make(map[string]*model.Domain)
	}

	if existing, ok := c.model.DomainFor(sess.PK, domain); ok {
		if existing.IsValid() {
			return Validation("You have already claimed this domain.")
		}
		return Validation("You are already trying to claim this domain, the token is %s", existing.Token)
	}

	token := msg.UUID
	if token == "" {
		token = uuid.NewString()
	}
	dom := model.NewDomain(domain, token, sess.PK, c.clock())

	if err := c.model.CreateDomainRecord(dom); err != nil {
		if !errors.Is(err, storage.ErrDomainExists) {
			return err
		}
		// another user's pending claim may simply have aged out
		log.Logger.Debug().Str("domain", domain).Msg("preparing domain hit a uniqueness violation, shedding aged domains")
		c.model.ShedAgedDomains(c.clock())
		if err := c.model.CreateDomainRecord(dom); err != nil {
			log.Logger.Debug().Str("domain", domain).Msg("shedding aged domains failed to free")
			return Validation("This domain is already claimed or in the process of being claimed")
		}
	}
	c.model.Domains[user][domain] = dom

	log.Logger.Info().Str("user", base64.StdEncoding.EncodeToString(sess.PK)).Str("domain", domain).
		Msg("prepared to claim domain")
	return c.transport.Reply(msg, bus.Params{"token": dom.Token}, nil)
}

// claimDomain verifies the TXT proof. The lookup blocks, so it runs on
// a worker; the continuation re-validates on the loop before marking
// the domain valid.
func (c *Controller) claimDomain(msg *bus.Message) error {
	domain := msg.Params.Str("domain")
	if domain == "" {
		return Validation("Need a domain name")
	}
	sess, err := c.ensureSession(msg.RID)
	if err != nil {
		return err
	}
	dom, ok := c.model.DomainFor(sess.PK, domain)
	if !ok {
		return Validation("Domain is not in the process of being claimed by you")
	}
	if dom.IsValid() {
		return Validation("Domain has already been claimed")
	}

	tokenURL := "tf-token." + domain
	go func() {
		records, err := c.resolver.TXT(tokenURL)
		c.loop.Post(func() { c.finishClaim(msg, sess.PK, domain, records, err) })
	}()
	return nil
}

// finishClaim runs on the loop once the TXT lookup has returned
func (c *Controller) finishClaim(msg *bus.Message, pk []byte, domain string, records [][]string, lookupErr error) {
	fail := func(text string) {
		c.transport.Reply(msg, bus.Params{"exception": text}, nil)
	}

	dom, ok := c.model.DomainFor(pk, domain)
	if !ok {
		fail("Domain is not in the process of being claimed by you")
		return
	}
	if dom.IsValid() {
		fail("Domain has already been claimed")
		return
	}

	if lookupErr != nil {
		fail("Did not find a TXT record for tf-token." + domain)
		return
	}
	if len(records) != 1 || len(records[0]) != 1 {
		fail("DNS token was malformed (more than one txt record?)")
		return
	}
	if records[0][0] != dom.Token {
		fail("DNS returned the wrong token, needed " + dom.Token)
		return
	}

	dom.MarkValid()
	if err := c.model.UpdateDomainRecord(dom); err != nil {
		log.Logger.Error().Err(err).Str("domain", domain).Msg("failed to persist claimed domain")
	}
	log.Logger.Info().Str("user", base64.StdEncoding.EncodeToString(pk)).Str("domain", domain).
		Msg("successfully claimed domain")
	c.transport.Reply(msg, nil, nil)
}

// makeDomainGlobal advertises a domain to every user
func (c *Controller) makeDomainGlobal(msg *bus.Message) error {
	dom, err := c.ensureDomain(msg.RID, msg.Params.Str("domain"))
	if err != nil {
		return err
	}
	dom.Global = true
	c.model.AddGlobalDomain(dom)
	if err := c.model.UpdateDomainRecord(dom); err != nil {
		return err
	}
	log.Logger.Info().Str("domain", dom.Domain).Msg("domain made global")
	return c.transport.Reply(msg, nil, nil)
}

// makeDomainPrivate withdraws a global advertisement
func (c *Controller) makeDomainPrivate(msg *bus.Message) error {
	dom, err := c.ensureDomain(msg.RID, msg.Params.Str("domain"))
	if err != nil {
		return err
	}
	dom.Global = false
	c.model.RemoveGlobalDomain(dom)
	if err := c.model.UpdateDomainRecord(dom); err != nil {
		return err
	}
	log.Logger.Info().Str("domain", dom.Domain).Msg("domain made private")
	return c.transport.Reply(msg, nil, nil)
}

// releaseDomain forgets a claim entirely, global mirror included
func (c *Controller) releaseDomain(msg *bus.Message) error {
	domain := msg.Params.Str("domain")
	if domain == "" {
		return Validation("Need a domain name")
	}
	sess, err := c.ensureSession(msg.RID)
	if err != nil {
		return err
	}
	dom, ok := c.model.DomainFor(sess.PK, domain)
	if !ok {
		return Validation("Domain has not been either prepared or claimed by you")
	}
	if dom.Global {
		c.model.RemoveGlobalDomain(dom)
	}
	delete(c.model.Domains[string(sess.PK)], domain)
	if err := c.model.DeleteDomainRecord(domain); err != nil {
		return err
	}
	log.Logger.Info().Str("user", base64.StdEncoding.EncodeToString(sess.PK)).Str("domain", domain).
		Msg("released domain")
	return c.transport.Reply(msg, nil, nil)
}
