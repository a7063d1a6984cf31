// Package combat holds the pure arithmetic of a battle round: action draws,
// damage, critical hits, dodges, energy use and retry backoff.
// Nothing here touches storage or the clock.
package combat

import (
	"math"
	"time"
)

// Action is what a fighter does in a round.
type Action string

const (
	ActionAttack Action = "attack"
	ActionDefend Action = "defend"
	// ActionRecharge is never drawn. It is requested ahead of a round and
	// resolves as a defend that deals no damage.
	ActionRecharge Action = "recharge"
)

const (
	MaxHealth = 100
	MaxEnergy = 100

	BaseDamage        = 12.0
	CritChance        = 0.15
	CritMultiplier    = 1.5
	DefendMultiplier  = 0.5
	MaxDodgeChance    = 0.3
	MinEnergyFactor   = 0.5
	AttackEnergyCost  = 10
	DefenseEnergyCost = 15
	RechargeEnergy    = 25
)

// ChooseAction draws attack or defend with equal odds.
func ChooseAction(r Roller) Action {
	if r.Float64() < 0.5 {
		return ActionAttack
	}
	return ActionDefend
}

// ClampHealth keeps a health value inside [0, MaxHealth].
func ClampHealth(h int) int {
	return clamp(h, 0, MaxHealth)
}

// ClampEnergy keeps an energy value inside [0, MaxEnergy].
func ClampEnergy(e int) int {
	return clamp(e, 0, MaxEnergy)
}

// DodgeChance grows linearly with defense energy. Zero defense energy means no dodge.
func DodgeChance(defenseEnergy int) float64 {
	if defenseEnergy <= 0 {
		return 0
	}
	return MaxDodgeChance * float64(ClampEnergy(defenseEnergy)) / MaxEnergy
}

// Damage computes one hit. Only an attack deals damage; a defending target halves it.
func Damage(attackerCP, defenderCP, attackerEnergy int, attackerAction, defenderAction Action, critical bool) int {
	if attackerAction != ActionAttack {
		return 0
	}
	if attackerCP < 1 {
		attackerCP = 1
	}
	if defenderCP < 1 {
		defenderCP = 1
	}

	ratio := 2 * float64(attackerCP) / float64(attackerCP+defenderCP)
	energyFactor := MinEnergyFactor + (1-MinEnergyFactor)*float64(ClampEnergy(attackerEnergy))/MaxEnergy

	dmg := BaseDamage * ratio * energyFactor
	if defenderAction != ActionAttack {
		dmg *= DefendMultiplier
	}
	if critical {
		dmg *= CritMultiplier
	}

	out := int(math.Round(dmg))
	if out < 1 {
		out = 1
	}
	return out
}

// EnergyConsumption is what an attacker spends for a thrown attack.
func EnergyConsumption(energy int, action Action, recharging bool) int {
	if action != ActionAttack || recharging || energy <= 0 {
		return 0
	}
	return min(energy, AttackEnergyCost)
}

// DefenseConsumption is what a defender spends when a hit actually lands.
func DefenseConsumption(defenseEnergy int, action Action, damageTaken int) int {
	if action != ActionDefend || damageTaken <= 0 || defenseEnergy <= 0 {
		return 0
	}
	return min(defenseEnergy, DefenseEnergyCost)
}

// Combatant is one side of a round as seen by the resolver.
type Combatant struct {
	CombatPower   int
	Energy        int
	DefenseEnergy int
	Action        Action
	Recharging    bool
}

// Strike is the resolved result for one side.
type Strike struct {
	DamageTaken       int
	Critical          bool
	Dodged            bool
	EnergyUsed        int
	DefenseEnergyUsed int
}

// Resolve settles both actions simultaneously: each attack is judged against the
// other side's choice for this same round. Rolls are drawn in a fixed order
// (p1 crit, p2 crit, p2 dodge, p1 dodge) and only when they can matter.
func Resolve(p1, p2 Combatant, r Roller) (Strike, Strike) {
	p1 = normalize(p1)
	p2 = normalize(p2)

	var s1, s2 Strike
	if p1.Action == ActionAttack {
		s1.Critical = r.Float64() < CritChance
	}
	if p2.Action == ActionAttack {
		s2.Critical = r.Float64() < CritChance
	}

	if p1.Action == ActionAttack {
		s2.Dodged = rollDodge(p2, r)
		if !s2.Dodged {
			s2.DamageTaken = Damage(p1.CombatPower, p2.CombatPower, p1.Energy, p1.Action, p2.Action, s1.Critical)
		}
	}
	if p2.Action == ActionAttack {
		s1.Dodged = rollDodge(p1, r)
		if !s1.Dodged {
			s1.DamageTaken = Damage(p2.CombatPower, p1.CombatPower, p2.Energy, p2.Action, p1.Action, s2.Critical)
		}
	}

	s1.EnergyUsed = EnergyConsumption(p1.Energy, p1.Action, p1.Recharging)
	s2.EnergyUsed = EnergyConsumption(p2.Energy, p2.Action, p2.Recharging)
	s1.DefenseEnergyUsed = DefenseConsumption(p1.DefenseEnergy, p1.Action, s1.DamageTaken)
	s2.DefenseEnergyUsed = DefenseConsumption(p2.DefenseEnergy, p2.Action, s2.DamageTaken)
	return s1, s2
}

// RetryDelay is the backoff before redelivering a failed round. Contention
// errors get a randomized delay so racing workers spread out; everything
// else backs off exponentially. The result never exceeds ceiling.
func RetryDelay(attempt int, contention bool, base, ceiling time.Duration, r Roller) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 16 {
		attempt = 16
	}

	var d time.Duration
	if contention {
		spread := float64(base) * float64(int64(1)<<attempt)
		d = base + time.Duration(r.Float64()*spread)
	} else {
		d = base * time.Duration(int64(1)<<attempt)
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

func normalize(c Combatant) Combatant {
	if c.Recharging || c.Action == ActionRecharge {
		c.Recharging = true
		c.Action = ActionDefend
	}
	return c
}

func rollDodge(defender Combatant, r Roller) bool {
	if defender.Action != ActionDefend {
		return false
	}
	chance := DodgeChance(defender.DefenseEnergy)
	if chance <= 0 {
		return false
	}
	return r.Float64() < chance
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
