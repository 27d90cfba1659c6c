package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wfunc/casefile/logger"
	"github.com/wfunc/casefile/models"
	"github.com/wfunc/casefile/persistence"
	"github.com/wfunc/casefile/services"
)

// Fixture is the YAML document accepted by the seed command.
type Fixture struct {
	Users []User `yaml:"users"`
	Cases []Case `yaml:"cases"`
}

type User struct {
	ID       int64  `yaml:"id"`
	Nickname string `yaml:"nickname"`
}

type Case struct {
	Title       string     `yaml:"title"`
	Description string     `yaml:"description"`
	Difficulty  int        `yaml:"difficulty"`
	Culprit     int64      `yaml:"culprit"`
	Client      int64      `yaml:"client,omitempty"` // starts the case when set
	Evidence    []Evidence `yaml:"evidence"`
}

type Evidence struct {
	Description string `yaml:"description"`
	True        bool   `yaml:"true,omitempty"`
	Decoy       bool   `yaml:"decoy,omitempty"`
}

// Starter opens a case for its client after it is created.
type Starter interface {
	StartCase(ctx context.Context, req services.StartCaseRequest) (*models.Participation, error)
}

type Result struct {
	Users   int
	Cases   int
	Started int
}

var ErrInvalidFixture = errors.New("invalid fixture")

func LoadFile(path string) (*Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Load decodes and validates a fixture. Unknown keys are rejected.
func Load(r io.Reader) (*Fixture, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var fx Fixture
	if err := dec.Decode(&fx); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFixture, err)
	}
	if err := fx.Validate(); err != nil {
		return nil, err
	}
	return &fx, nil
}

// Validate enforces well-formed cases: both evidence subsets non-empty and
// disjoint, and every referenced user declared.
func (fx *Fixture) Validate() error {
	users := make(map[int64]bool, len(fx.Users))
	for i, u := range fx.Users {
		if u.ID <= 0 {
			return fmt.Errorf("%w: user #%d has no id", ErrInvalidFixture, i+1)
		}
		if strings.TrimSpace(u.Nickname) == "" {
			return fmt.Errorf("%w: user %d has no nickname", ErrInvalidFixture, u.ID)
		}
		if users[u.ID] {
			return fmt.Errorf("%w: user %d declared twice", ErrInvalidFixture, u.ID)
		}
		users[u.ID] = true
	}

	for i, c := range fx.Cases {
		name := c.Title
		if name == "" {
			return fmt.Errorf("%w: case #%d has no title", ErrInvalidFixture, i+1)
		}
		if !users[c.Culprit] {
			return fmt.Errorf("%w: case %q names unknown culprit %d", ErrInvalidFixture, name, c.Culprit)
		}
		if c.Client != 0 && !users[c.Client] {
			return fmt.Errorf("%w: case %q names unknown client %d", ErrInvalidFixture, name, c.Client)
		}

		var truths, decoys int
		for _, e := range c.Evidence {
			switch {
			case e.True && e.Decoy:
				return fmt.Errorf("%w: case %q evidence %q is both true and a decoy", ErrInvalidFixture, name, e.Description)
			case e.True:
				truths++
			case e.Decoy:
				decoys++
			}
		}
		if truths == 0 || decoys == 0 {
			return fmt.Errorf("%w: case %q needs true evidence and decoy candidates", ErrInvalidFixture, name)
		}
	}
	return nil
}

// Apply creates every user and case. Cases with a client are started through
// starter when it is not nil.
func Apply(ctx context.Context, setup persistence.Setup, starter Starter, fx *Fixture) (Result, error) {
	var res Result
	for _, u := range fx.Users {
		if err := setup.CreateUser(ctx, &models.User{ID: u.ID, Nickname: u.Nickname}); err != nil {
			return res, fmt.Errorf("create user %d: %w", u.ID, err)
		}
		res.Users++
	}

	for _, c := range fx.Cases {
		difficulty := c.Difficulty
		if difficulty == 0 {
			difficulty = 1
		}
		row := &models.Case{
			Title:         c.Title,
			Description:   c.Description,
			Difficulty:    difficulty,
			TrueCulpritID: c.Culprit,
		}
		items := make([]models.EvidenceItem, len(c.Evidence))
		for i, e := range c.Evidence {
			items[i] = models.EvidenceItem{Description: e.Description, IsTrue: e.True, IsDecoyCandidate: e.Decoy}
		}
		if err := setup.CreateCase(ctx, row, items); err != nil {
			return res, fmt.Errorf("create case %q: %w", c.Title, err)
		}
		res.Cases++
		logger.Log.Debugw("seeded case", "case_id", row.ID, "title", row.Title, "evidence", len(items))

		if c.Client != 0 && starter != nil {
			if _, err := starter.StartCase(ctx, services.StartCaseRequest{CaseID: row.ID, ClientID: c.Client}); err != nil {
				return res, fmt.Errorf("start case %q: %w", c.Title, err)
			}
			res.Started++
		}
	}
	return res, nil
}
